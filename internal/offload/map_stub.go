// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package offload

import (
	"grimm.is/breakwater/internal/errors"
)

func openBlockMap(pin string) (blockMap, error) {
	return nil, errors.New(errors.KindUnavailable, "XDP offload requires linux")
}
