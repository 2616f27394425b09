package sybil

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// deviceFilter remembers fingerprints of devices used by suspended accounts.
// Membership tests can return false positives at the configured rate.
type deviceFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	capacity uint
	fpRate   float64
}

func newDeviceFilter(capacity uint, fpRate float64) *deviceFilter {
	if capacity == 0 {
		capacity = 100000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &deviceFilter{
		filter:   bloom.NewWithEstimates(capacity, fpRate),
		capacity: capacity,
		fpRate:   fpRate,
	}
}

func (d *deviceFilter) add(fingerprints ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fp := range fingerprints {
		if fp != "" {
			d.filter.AddString(fp)
		}
	}
}

// match returns the first fingerprint found in the filter, or "".
func (d *deviceFilter) match(fingerprints []string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, fp := range fingerprints {
		if fp != "" && d.filter.TestString(fp) {
			return fp
		}
	}
	return ""
}

// replace swaps in a filter holding exactly fingerprints.
func (d *deviceFilter) replace(fingerprints []string) {
	f := bloom.NewWithEstimates(d.capacity, d.fpRate)
	for _, fp := range fingerprints {
		if fp != "" {
			f.AddString(fp)
		}
	}
	d.mu.Lock()
	d.filter = f
	d.mu.Unlock()
}
