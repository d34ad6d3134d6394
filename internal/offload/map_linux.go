// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package offload

import (
	"time"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"grimm.is/breakwater/internal/errors"
)

// ebpfBlockMap writes to the XDP program's pinned blocklist map. The map
// value is the entry's expiry on the kernel's monotonic clock
// (CLOCK_MONOTONIC nanoseconds, what bpf_ktime_get_ns returns), zero for
// permanent entries.
type ebpfBlockMap struct {
	m *ebpf.Map
}

func openBlockMap(pin string) (blockMap, error) {
	if pin == "" {
		return nil, errors.New(errors.KindValidation, "offload enabled but no blocklist pin path configured")
	}
	m, err := ebpf.LoadPinnedMap(pin, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "load pinned map %s", pin)
	}
	return &ebpfBlockMap{m: m}, nil
}

func (b *ebpfBlockMap) put(ip uint32, expiry time.Time) error {
	var val uint64
	if !expiry.IsZero() {
		ns, err := ktimeIn(time.Until(expiry))
		if err != nil {
			return err
		}
		val = ns
	}
	return b.m.Update(&ip, &val, ebpf.UpdateAny)
}

func (b *ebpfBlockMap) del(ip uint32) error {
	err := b.m.Delete(&ip)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

func (b *ebpfBlockMap) close() error {
	return b.m.Close()
}

// ktimeIn converts a duration from now into an absolute timestamp on the
// kernel monotonic clock.
func ktimeIn(d time.Duration) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "clock_gettime")
	}
	now := uint64(ts.Sec)*uint64(time.Second) + uint64(ts.Nsec)
	if d <= 0 {
		return now, nil
	}
	return now + uint64(d), nil
}
