// Command listen receives an rxmon audio stream, plays it on the default
// output device, and can mirror it into a WAV file. Run it on the host
// named by the engine's -audio-sink flag.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"gopkg.in/hraban/opus.v2"

	"github.com/rxmon/pkg/wire"
)

// maxOpusFrame holds 120 ms at 48 kHz, the largest packet libopus emits.
const maxOpusFrame = 5760

func main() {
	listen := flag.String("listen", ":9000", "TCP address to accept the audio stream on")
	codec := flag.String("codec", "opus", "payload encoding the engine sends: opus or pcm")
	wavPath := flag.String("wav", "", "also write the received audio to this WAV file")
	mute := flag.Bool("mute", false, "skip playback, keep stats and WAV output")
	flag.Parse()

	if *codec != "opus" && *codec != "pcm" {
		log.Fatalf("unknown codec %q, want opus or pcm", *codec)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}
	log.Printf("waiting for audio on %s (%s)", *listen, *codec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ln.Close()
		os.Exit(0)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		log.Printf("stream connected from %s", conn.RemoteAddr())
		if err := serve(conn, *codec, *wavPath, *mute); err != nil && err != io.EOF {
			log.Printf("stream ended: %v", err)
		} else {
			log.Printf("stream closed")
		}
		conn.Close()
	}
}

func serve(conn net.Conn, codec, wavPath string, mute bool) error {
	var (
		payloadBuf []byte
		pcm        = make([]int16, maxOpusFrame)
		dec        *opus.Decoder
		sink       *audioSink
		lastSeq    uint32
		haveSeq    bool
		frames     uint64
		gaps       uint64
		lastReport = time.Now()
	)
	defer func() {
		if sink != nil {
			sink.close()
		}
	}()

	for {
		h, payload, err := wire.ReadAudioFrame(conn, payloadBuf)
		if err != nil {
			return err
		}
		payloadBuf = payload[:cap(payload)]

		if haveSeq && h.Seq != lastSeq+1 {
			if h.Seq == 0 {
				log.Printf("sender reconnected, sequence reset")
			} else {
				gaps++
				log.Printf("sequence gap: %d -> %d", lastSeq, h.Seq)
			}
		}
		lastSeq, haveSeq = h.Seq, true
		frames++

		if sink == nil {
			sink, err = newAudioSink(int(h.SampleRate), wavPath, mute)
			if err != nil {
				return fmt.Errorf("audio output: %w", err)
			}
			log.Printf("stream format: %d Hz, %d channel(s)", h.SampleRate, h.Channels)
		}

		var samples []int16
		if codec == "opus" {
			if dec == nil {
				dec, err = opus.NewDecoder(int(h.SampleRate), int(h.Channels))
				if err != nil {
					return fmt.Errorf("opus decoder: %w", err)
				}
			}
			n, err := dec.Decode(payload, pcm)
			if err != nil {
				log.Printf("opus decode: %v", err)
				continue
			}
			samples = pcm[:n]
		} else {
			if len(payload)/2 > len(pcm) {
				pcm = make([]int16, len(payload)/2)
			}
			samples = pcm[:len(payload)/2]
			for i := range samples {
				samples[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
			}
		}
		if err := sink.write(samples); err != nil {
			return err
		}

		if time.Since(lastReport) >= 5*time.Second {
			log.Printf("%d frames, %d gaps", frames, gaps)
			lastReport = time.Now()
		}
	}
}

// audioSink fans decoded PCM out to the speaker and an optional WAV file.
type audioSink struct {
	player  *oto.Player
	pipe    *io.PipeWriter
	wavFile *os.File
	wavEnc  *wav.Encoder
	rate    int
	le      []byte
	ints    []int
}

func newAudioSink(rate int, wavPath string, mute bool) (*audioSink, error) {
	s := &audioSink{rate: rate}
	if !mute {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			log.Printf("no audio device, continuing without playback: %v", err)
		} else {
			<-ready
			r, w := io.Pipe()
			s.player = ctx.NewPlayer(r)
			s.pipe = w
			s.player.Play()
		}
	}
	if wavPath != "" {
		f, err := os.Create(wavPath)
		if err != nil {
			return nil, err
		}
		s.wavFile = f
		s.wavEnc = wav.NewEncoder(f, rate, 16, 1, 1)
		log.Printf("writing WAV to %s", wavPath)
	}
	return s, nil
}

func (s *audioSink) write(samples []int16) error {
	if s.pipe != nil {
		if cap(s.le) < 2*len(samples) {
			s.le = make([]byte, 2*len(samples))
		}
		buf := s.le[:2*len(samples)]
		for i, v := range samples {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
		}
		if _, err := s.pipe.Write(buf); err != nil {
			return err
		}
	}
	if s.wavEnc != nil {
		if cap(s.ints) < len(samples) {
			s.ints = make([]int, len(samples))
		}
		ints := s.ints[:len(samples)]
		for i, v := range samples {
			ints[i] = int(v)
		}
		buf := &audio.IntBuffer{
			Data:           ints,
			Format:         &audio.Format{NumChannels: 1, SampleRate: s.rate},
			SourceBitDepth: 16,
		}
		if err := s.wavEnc.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *audioSink) close() {
	if s.pipe != nil {
		s.pipe.Close()
	}
	if s.player != nil {
		s.player.Close()
	}
	if s.wavEnc != nil {
		if err := s.wavEnc.Close(); err != nil {
			log.Printf("wav close: %v", err)
		}
		s.wavFile.Close()
	}
}
