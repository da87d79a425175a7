// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

type file interface {
	io.ReadCloser
	Stat() (os.FileInfo, error)
}

type keepFS struct {
	mtx    sync.Mutex
	client *keepclient.KeepClient
	fs     arvados.CustomFileSystem
}

var siteFS keepFS

// open returns a reader for fnm. If ARVADOS_API_HOST is set and fnm
// refers to a collection, the file is read through keep instead of
// the local filesystem.
func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	return siteFS.open(m[2], m[3])
}

func (kfs *keepFS) open(collectionID, path string) (file, error) {
	kfs.mtx.Lock()
	defer kfs.mtx.Unlock()
	if kfs.fs == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		kfs.client = keepclient.New(ac)
		// Summary statistic files are large; keepclient's default
		// timeouts are too short for them.
		kfs.client.HTTPClient = arvados.DefaultSecureClient
		kfs.client.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		kfs.fs = client.SiteFileSystem(kfs.client)
	} else {
		kfs.client.BlockCache.MaxBlocks += 2
	}
	log.Infof("reading %q from %s using Arvados client", path, collectionID)
	f, err := kfs.fs.Open("by_id/" + collectionID + path)
	if err != nil {
		return nil, err
	}
	return &keepFile{file: f, kfs: kfs}, nil
}

// keepFile gives back the block cache space reserved for it when it
// is closed.
type keepFile struct {
	file
	kfs  *keepFS
	once sync.Once
}

func (kf *keepFile) Close() error {
	kf.once.Do(func() {
		kf.kfs.mtx.Lock()
		kf.kfs.client.BlockCache.MaxBlocks -= 2
		kf.kfs.mtx.Unlock()
	})
	return kf.file.Close()
}

// fileExists reports whether fnm can be opened for reading.
func fileExists(fnm string) bool {
	f, err := open(fnm)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// zopen is like open, but transparently decompresses files whose
// name ends in ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return gzipr{rdr, f}, nil
}

type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// zcreate creates fnm (and its parent directories) for writing. If
// fnm ends in ".gz" the output is gzip-compressed. Close must be
// called to flush everything to disk.
func zcreate(fnm string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(fnm), 0777); err != nil {
		return nil, err
	}
	f, err := os.Create(fnm)
	if err != nil {
		return nil, err
	}
	bufw := bufio.NewWriterSize(f, 4*1024*1024)
	zw := &gzipw{f: f, bufw: bufw}
	if strings.HasSuffix(fnm, ".gz") {
		zw.gzw = pgzip.NewWriter(bufw)
	}
	return zw, nil
}

type gzipw struct {
	f    *os.File
	bufw *bufio.Writer
	gzw  *pgzip.Writer
}

func (zw *gzipw) Write(p []byte) (int, error) {
	if zw.gzw != nil {
		return zw.gzw.Write(p)
	}
	return zw.bufw.Write(p)
}

func (zw *gzipw) Close() error {
	if zw.gzw != nil {
		if err := zw.gzw.Close(); err != nil {
			zw.f.Close()
			return err
		}
	}
	if err := zw.bufw.Flush(); err != nil {
		zw.f.Close()
		return err
	}
	return zw.f.Close()
}

// readExcludeFile returns the set of variant keys listed one per
// line in fnm. Blank lines are ignored.
func readExcludeFile(fnm string) (map[VariantKey]bool, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, fmt.Errorf("could not read exclude file: %w", err)
	}
	defer f.Close()
	exclude := map[VariantKey]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			exclude[VariantKey(line)] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return exclude, nil
}
