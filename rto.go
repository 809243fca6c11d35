package rdt

import "time"

const (
	rtoAlpha = 0.125
	rtoBeta  = 0.25
)

// rtoEstimator derives the retransmission timeout from smoothed
// round-trip samples (Jacobson/Karels, RFC 6298 initialization).
// Callers enforce Karn's algorithm: a sample is fed only for the
// segment currently being timed, and never for a retransmitted one.
// backoff doubles the timeout independently of the smoothed value;
// the next clean sample computes it afresh.
type rtoEstimator struct {
	srtt        float64 // seconds
	rttvar      float64 // seconds
	rto         time.Duration
	initialized bool
}

func newRTOEstimator(initial time.Duration) *rtoEstimator {
	if initial <= 0 {
		initial = defaultRTO
	}
	return &rtoEstimator{rto: initial}
}

func (estimator *rtoEstimator) update(sample time.Duration) {
	s := sample.Seconds()
	if s <= 0 {
		return
	}
	if !estimator.initialized {
		estimator.srtt = s
		estimator.rttvar = s / 2
		estimator.initialized = true
	} else {
		diff := s - estimator.srtt
		if diff < 0 {
			diff = -diff
		}
		estimator.rttvar = (1-rtoBeta)*estimator.rttvar + rtoBeta*diff
		estimator.srtt = (1-rtoAlpha)*estimator.srtt + rtoAlpha*s
	}
	estimator.rto = clampRTO(time.Duration((estimator.srtt + 4*estimator.rttvar) * float64(time.Second)))
}

func (estimator *rtoEstimator) backoff() {
	estimator.rto = clampRTO(estimator.rto * 2)
}

func (estimator *rtoEstimator) current() time.Duration {
	return estimator.rto
}

func clampRTO(rto time.Duration) time.Duration {
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}
