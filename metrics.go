package rdt

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rdt"

// transferMetrics counts the protocol events of one engine. Counters
// work unregistered, so library users pay nothing unless they pass a
// registerer; cmd/rdt-recv exposes them over HTTP.
type transferMetrics struct {
	segmentsSent       prometheus.Counter
	acksSent           prometheus.Counter
	retransmissions    prometheus.Counter
	timeouts           prometheus.Counter
	checksumDrops      prometheus.Counter
	outOfWindowDrops   prometheus.Counter
	duplicateSegments  prometheus.Counter
	simulatedDrops     prometheus.Counter
	bytesDelivered     prometheus.Counter
	transfersCompleted prometheus.Counter
	transfersAborted   prometheus.Counter
}

func newTransferMetrics(role string) *transferMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"role": role},
		})
	}
	return &transferMetrics{
		segmentsSent:       counter("segments_sent_total", "DATA segments written to the channel, including retransmissions"),
		acksSent:           counter("acks_sent_total", "ACK segments written to the channel"),
		retransmissions:    counter("retransmissions_total", "DATA segments sent more than once"),
		timeouts:           counter("timeouts_total", "retransmission timer expirations"),
		checksumDrops:      counter("checksum_drops_total", "segments dropped due to checksum mismatch"),
		outOfWindowDrops:   counter("out_of_window_drops_total", "segments dropped outside the receive window"),
		duplicateSegments:  counter("duplicate_segments_total", "duplicate or out-of-order segments re-acked without delivery"),
		simulatedDrops:     counter("simulated_drops_total", "segments discarded by the loss simulator"),
		bytesDelivered:     counter("bytes_delivered_total", "payload bytes written to the output sink in order"),
		transfersCompleted: counter("transfers_completed_total", "transfers finished by an end-of-transfer sentinel"),
		transfersAborted:   counter("transfers_aborted_total", "transfers aborted after exhausting the timeout budget"),
	}
}

func (metrics *transferMetrics) register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		metrics.segmentsSent,
		metrics.acksSent,
		metrics.retransmissions,
		metrics.timeouts,
		metrics.checksumDrops,
		metrics.outOfWindowDrops,
		metrics.duplicateSegments,
		metrics.simulatedDrops,
		metrics.bytesDelivered,
		metrics.transfersCompleted,
		metrics.transfersAborted,
	} {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
