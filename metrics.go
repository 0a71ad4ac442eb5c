// Copyright 2024 The flathash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flathash

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	archiveBinary = "binary"
	archiveMmap   = "mmap"

	opDump = "dump"
	opLoad = "load"
)

var archiveOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flathash_archive_operations_total",
	Help: "Table dumps and loads by archive kind and result",
}, []string{"archive", "op", "result"})

var archiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flathash_archive_bytes_total",
	Help: "Bytes of table data dumped or loaded",
}, []string{"archive", "op"})

func recordArchiveOp(archive, op string, n int64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	archiveOps.WithLabelValues(archive, op, result).Inc()
	if n > 0 {
		archiveBytes.WithLabelValues(archive, op).Add(float64(n))
	}
}
