package session

import (
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
)

type nopObserver struct{}

func (nopObserver) StateChanged(domain.StreamKey, domain.SessionState, domain.SessionState) {}
func (nopObserver) ProcessStarted(domain.StreamKey, error)                                  {}
func (nopObserver) ProcessExited(domain.StreamKey, int, domain.ErrorKind)                   {}
func (nopObserver) RetryScheduled(domain.StreamKey, int, time.Duration)                     {}
func (nopObserver) SubscribersChanged(domain.StreamKey, int)                                {}

var _ ports.SessionObserver = nopObserver{}
