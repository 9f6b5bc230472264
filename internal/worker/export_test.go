package worker

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

func (p *ReplyProcessor) SetPersistBackOff(b func() backoff.BackOff) {
	p.persistB = b
}

func (p *ReplyProcessor) SetRandom(random func() float64) {
	p.random = random
}

func (p *AckProcessor) SetClock(now func() time.Time) {
	p.now = now
}
