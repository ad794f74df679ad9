package utils

import "time"

type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p is zero.
func SetDefaultNum[K Number](p *K, d K) {
	if *p == 0 {
		*p = d
	}
}

// CheckNumRange returns false if v is not in [min, max].
func CheckNumRange[K Number](v, min, max K) bool {
	return v >= min && v <= max
}

// SecondsOr converts sec to a time.Duration. Non-positive sec returns d.
func SecondsOr(sec int, d time.Duration) time.Duration {
	if sec <= 0 {
		return d
	}
	return time.Duration(sec) * time.Second
}
