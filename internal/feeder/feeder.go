// Package feeder implements the media feeder: it owns the stream socket,
// reassembles fragmented samples, and forwards completed payloads to an
// in-process decoder sink behind a bounded back-pressure queue.
package feeder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"

	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

var log = logging.L("feeder")

// MaxQueueDepth bounds the feeder's pending-sample queue (spec.md 4.H
// "queue depth bounded (≤8 payloads)").
const MaxQueueDepth = 8

// DecodeResult is the decoder sink's verdict for one process_packet call.
type DecodeResult int

const (
	DecodeOK DecodeResult = iota
	DecodeDropped
	DecodeError
)

// DecoderSink is the in-process consumer of reassembled payloads. It must
// be safe to call from the feeder's own goroutine and must return
// promptly (spec.md 4.H "must return promptly").
type DecoderSink func(payload []byte, framesLost, recovered uint32) DecodeResult

// Stats is the feeder's telemetry snapshot.
type Stats struct {
	ReceivedBytes   uint64
	FramesLost      uint32
	FramesRecovered uint32
	FramesDropped   uint32
	LastSampleTime  time.Time
	FirstFrameSeen  bool
}

// queuedSample is a reassembled payload awaiting the decoder sink,
// annotated with whether it's safe to drop under back-pressure.
type queuedSample struct {
	payload    []byte
	isKeyFrame bool
	lostPrior  uint32
	recovered  uint32
}

// Feeder ingests wire.StreamSample fragments, reassembles complete
// payloads, and drives them through a DecoderSink with a bounded,
// drop-oldest-non-key queue absorbing bursts.
type Feeder struct {
	sink DecoderSink

	reassembler *wire.Reassembler
	lastSeq     uint16
	haveLastSeq bool

	mu    sync.Mutex
	queue []queuedSample

	statsMu sync.Mutex
	stats   Stats

	firstFrameOnce sync.Once
	onFirstFrame   func()

	wake chan struct{}
	done chan struct{}
	stop sync.Once

	running atomic.Bool
}

// New constructs a Feeder. onFirstFrame fires exactly once, on the first
// DecodeOK result (spec.md 4.H "one-shot on_first_frame signal to F").
func New(sink DecoderSink, onFirstFrame func()) *Feeder {
	return &Feeder{
		sink:         sink,
		reassembler:  wire.NewReassembler(),
		onFirstFrame: onFirstFrame,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the feeder's drain goroutine. Safe to call once.
func (f *Feeder) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	go f.drainLoop()
}

// Stop halts the drain loop. Idempotent.
func (f *Feeder) Stop() {
	f.stop.Do(func() {
		close(f.done)
	})
}

// Ingest handles one raw wire sample: reassembles it, tracks sequence
// gaps as losses, and enqueues the completed payload (if any) for the
// decoder sink.
func (f *Feeder) Ingest(raw []byte) error {
	sample, err := wire.UnmarshalStreamSample(raw)
	if err != nil {
		return rperrors.Classify("unmarshal stream sample", err)
	}

	f.statsMu.Lock()
	f.stats.ReceivedBytes += uint64(len(raw))
	f.stats.LastSampleTime = time.Now()
	f.statsMu.Unlock()

	seq := sample.SequenceNumber()
	lost := f.trackSequenceGap(seq)

	payload, complete := f.reassembler.Add(sample)
	if !complete {
		return nil
	}

	f.enqueue(queuedSample{
		payload:   payload,
		lostPrior: lost,
	})
	f.signalWake()
	return nil
}

func (f *Feeder) trackSequenceGap(seq uint16) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.haveLastSeq {
		f.haveLastSeq = true
		f.lastSeq = seq
		return 0
	}

	expected := f.lastSeq + 1
	var gap uint32
	if seq != expected {
		gap = uint32(seq - expected)
	}
	f.lastSeq = seq

	if gap > 0 {
		f.statsMu.Lock()
		f.stats.FramesLost += gap
		f.statsMu.Unlock()
	}
	return gap
}

// enqueue applies the drop-oldest-non-key back-pressure rule (spec.md
// 4.H: "when full, drop the oldest non-key sample and count it as
// dropped").
func (f *Feeder) enqueue(s queuedSample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue) < MaxQueueDepth {
		f.queue = append(f.queue, s)
		return
	}

	evictIdx := -1
	for i, q := range f.queue {
		if !q.isKeyFrame {
			evictIdx = i
			break
		}
	}
	if evictIdx == -1 {
		evictIdx = 0
	}
	f.queue = append(f.queue[:evictIdx], f.queue[evictIdx+1:]...)
	f.queue = append(f.queue, s)

	f.statsMu.Lock()
	f.stats.FramesDropped++
	f.statsMu.Unlock()
}

func (f *Feeder) signalWake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feeder) dequeue() (queuedSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return queuedSample{}, false
	}
	s := f.queue[0]
	f.queue = f.queue[1:]
	return s, true
}

func (f *Feeder) drainLoop() {
	for {
		for {
			s, ok := f.dequeue()
			if !ok {
				break
			}
			f.deliver(s)
		}

		select {
		case <-f.done:
			return
		case <-f.wake:
		}
	}
}

func (f *Feeder) deliver(s queuedSample) {
	result := f.sink(s.payload, s.lostPrior, s.recovered)

	switch result {
	case DecodeOK:
		f.firstFrameOnce.Do(func() {
			f.statsMu.Lock()
			f.stats.FirstFrameSeen = true
			f.statsMu.Unlock()
			if f.onFirstFrame != nil {
				f.onFirstFrame()
			}
		})
	case DecodeDropped:
		f.statsMu.Lock()
		f.stats.FramesDropped++
		f.statsMu.Unlock()
	case DecodeError:
		log.Warn("decoder sink reported an error for a delivered frame")
	}
}

// Snapshot returns the current telemetry counters.
func (f *Feeder) Snapshot() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

// LossReport builds an RTCP-style receiver report summarizing the
// feeder's current loss counters, suitable for the control plane to
// forward upstream as telemetry (spec.md 4.H "Records frames lost ...
// and recovered").
func (f *Feeder) LossReport(ssrc uint32) *rtcp.ReceiverReport {
	stats := f.Snapshot()

	f.mu.Lock()
	lastSeq := f.lastSeq
	f.mu.Unlock()

	var fractionLost uint8
	total := stats.FramesLost + stats.FramesRecovered
	if total > 0 {
		fractionLost = uint8((uint64(stats.FramesLost) * 255) / uint64(total))
	}

	return &rtcp.ReceiverReport{
		SSRC: ssrc,
		Reports: []rtcp.ReceptionReport{
			{
				SSRC:               ssrc,
				FractionLost:       fractionLost,
				TotalLost:          stats.FramesLost,
				LastSequenceNumber: uint32(lastSeq),
			},
		},
	}
}
