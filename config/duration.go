package config

import (
	"fmt"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Duration is a time.Duration written as a string such as "5ms".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return sonnet.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string

	if err := sonnet.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	v, err := time.ParseDuration(s)

	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}
