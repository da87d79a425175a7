// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"io"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// writeNumpy writes m to w as a 2-D float64 .npy array in row-major
// order.
func writeNumpy(w io.Writer, m mat.Matrix) error {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, m.At(i, j))
		}
	}
	npw, err := gonpy.NewWriter(nopCloser{w})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	return npw.WriteFloat64(data)
}

func writeNumpyFile(fnm string, m mat.Matrix) error {
	f, err := zcreate(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	err = writeNumpy(f, m)
	if err != nil {
		return err
	}
	log.Infof("wrote %s", fnm)
	return f.Close()
}
