// Command tsgen emits a synthetic MPEG-TS fixture (PAT, PMT, and a stream of
// PCR-bearing packets at a configurable cadence) for exercising tsshiftd
// without a real upstream feed, the way cmd/plex-tuner's indexer flags let a
// developer point the tuner at a known-shape input.
package main

import (
	"bufio"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/snapetech/tsshift/internal/pcr"
)

func main() {
	out := flag.String("out", "-", "output file path, or - for stdout")
	duration := flag.Duration("duration", 10*time.Second, "length of synthetic stream to emit")
	interval := flag.Duration("pcr-interval", 100*time.Millisecond, "spacing between PCR packets")
	pmtPID := flag.Uint("pmt-pid", 0x1000, "PID carrying the PMT")
	pcrPID := flag.Uint("pcr-pid", 0x0100, "PID carrying PCR/video")
	esPID := flag.Uint("es-pid", 0x0100, "elementary stream PID (often the same as pcr-pid)")
	streamType := flag.Uint("stream-type", 0x1B, "PMT stream_type byte (0x1B = H.264)")
	randomAccessEvery := flag.Int("random-access-every", 25, "mark every Nth PCR packet as a random access point")
	flag.Parse()

	w, closeFn, err := openOutput(*out)
	if err != nil {
		log.Fatalf("tsgen: %v", err)
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.Printf("tsgen: close: %v", err)
		}
	}()

	cfg := genConfig{
		Duration:          *duration,
		Interval:           *interval,
		PMTPID:             uint16(*pmtPID),
		PCRPID:             uint16(*pcrPID),
		ESPID:              uint16(*esPID),
		StreamType:         byte(*streamType),
		RandomAccessEvery:  *randomAccessEvery,
	}
	if err := generate(w, cfg); err != nil {
		log.Fatalf("tsgen: %v", err)
	}
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		bw := bufio.NewWriter(os.Stdout)
		return bw, bw.Flush, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	bw := bufio.NewWriter(f)
	return bw, func() error {
		if err := bw.Flush(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

type genConfig struct {
	Duration           time.Duration
	Interval           time.Duration
	PMTPID             uint16
	PCRPID             uint16
	ESPID              uint16
	StreamType         byte
	RandomAccessEvery  int
}

// generate writes one PAT and one PMT packet, then a run of PCR-bearing
// packets spaced Interval apart (in PCR-clock terms) until Duration worth of
// samples have been produced. Every RandomAccessEvery'th packet is marked a
// random access point, matching the keyframe cadence a real encoder would
// produce.
func generate(w io.Writer, cfg genConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.RandomAccessEvery <= 0 {
		cfg.RandomAccessEvery = 1
	}

	pat := pcr.BuildPATPacket(0, cfg.PMTPID)
	if _, err := w.Write(pat[:]); err != nil {
		return err
	}
	pmt := pcr.BuildPMTPacket(0, cfg.PMTPID, cfg.PCRPID, cfg.ESPID, cfg.StreamType)
	if _, err := w.Write(pmt[:]); err != nil {
		return err
	}

	steps := int(cfg.Duration / cfg.Interval)
	pcrStep := uint64(cfg.Interval.Seconds() * 27_000_000)

	var pcrVal uint64
	var cc uint8
	for i := 0; i < steps; i++ {
		randomAccess := i%cfg.RandomAccessEvery == 0
		pkt := pcr.BuildPCRPacket(cc, cfg.PCRPID, pcrVal, randomAccess)
		if _, err := w.Write(pkt[:]); err != nil {
			return err
		}
		cc = (cc + 1) & 0x0F
		pcrVal += pcrStep
		if pcrVal >= pcr.MaxPCR {
			pcrVal -= pcr.MaxPCR
		}
	}
	return nil
}
