package domain

import (
	"time"

	"github.com/google/uuid"
)

// BannerLevel is the severity of a transient user notification.
type BannerLevel string

const (
	BannerInfo    BannerLevel = "info"
	BannerSuccess BannerLevel = "success"
	BannerWarning BannerLevel = "warning"
	BannerError   BannerLevel = "error"
)

// Banner is a transient, auto-dismissing notification shown to the operator.
type Banner struct {
	ID        string
	Level     BannerLevel
	Source    string
	Text      string
	CreatedAt time.Time
}

// NewBanner builds a banner stamped with a fresh id and the current time.
func NewBanner(level BannerLevel, source, text string) Banner {
	return Banner{
		ID:        uuid.NewString(),
		Level:     level,
		Source:    source,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}
