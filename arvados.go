// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

type logEvent struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
}

// eventStream delivers websocket events about subscribed objects.
// It reconnects (and resubscribes) after errors until Close is
// called.
type eventStream struct {
	*arvados.Client
	subscribers map[string]map[chan<- logEvent]bool
	closing     chan struct{}
	conn        *websocket.Conn
	mtx         sync.Mutex
}

var streamEventTypes = []string{"stderr", "crunch-run", "update"}

func subscribeMessage(method, uuid string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", streamEventTypes},
		},
	}
}

func (es *eventStream) Subscribe(ch chan<- logEvent, uuid string) {
	es.mtx.Lock()
	defer es.mtx.Unlock()
	if es.subscribers == nil {
		es.subscribers = map[string]map[chan<- logEvent]bool{}
		es.closing = make(chan struct{})
		go es.run()
	}
	chans := es.subscribers[uuid]
	if chans == nil {
		chans = map[chan<- logEvent]bool{}
		es.subscribers[uuid] = chans
		if es.conn != nil {
			go json.NewEncoder(es.conn).Encode(subscribeMessage("subscribe", uuid))
		}
	}
	chans[ch] = true
}

func (es *eventStream) Unsubscribe(ch chan<- logEvent, uuid string) {
	es.mtx.Lock()
	defer es.mtx.Unlock()
	chans := es.subscribers[uuid]
	delete(chans, ch)
	if len(chans) == 0 {
		delete(es.subscribers, uuid)
		if es.conn != nil {
			go json.NewEncoder(es.conn).Encode(subscribeMessage("unsubscribe", uuid))
		}
	}
}

func (es *eventStream) Close() {
	es.mtx.Lock()
	defer es.mtx.Unlock()
	if es.subscribers != nil {
		es.subscribers = nil
		close(es.closing)
	}
}

func (es *eventStream) dial() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := es.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	redacted := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{es.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, fmt.Errorf("websocket connection error: %w", err)
	}
	log.Infof("connected to websocket at %s", redacted)
	return conn, nil
}

func (es *eventStream) run() {
	for {
		conn, err := es.dial()
		if err != nil {
			log.Warn(err)
			select {
			case <-es.closing:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		es.mtx.Lock()
		es.conn = conn
		var uuids []string
		for uuid := range es.subscribers {
			uuids = append(uuids, uuid)
		}
		es.mtx.Unlock()
		go func() {
			enc := json.NewEncoder(conn)
			for _, uuid := range uuids {
				enc.Encode(subscribeMessage("subscribe", uuid))
			}
		}()

		dec := json.NewDecoder(conn)
		for {
			var ev logEvent
			err := dec.Decode(&ev)
			select {
			case <-es.closing:
				conn.Close()
				return
			default:
			}
			if err != nil {
				log.Warnf("error decoding websocket message: %s", err)
				es.mtx.Lock()
				es.conn = nil
				es.mtx.Unlock()
				conn.Close()
				break
			}
			es.mtx.Lock()
			for ch := range es.subscribers[ev.ObjectUUID] {
				ch := ch
				go func() { ch <- ev }()
			}
			es.mtx.Unlock()
		}
	}
}

// containerRunner runs an mrp subcommand in an Arvados container and
// waits for it to finish, copying its stderr to our log.
type containerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	Preemptible bool
}

const containerOutputDir = "/mnt/output"

func (runner *containerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits a container request and returns the UUID of
// the output collection once the container has exited 0. If ctx is
// cancelled first, the container request is cancelled too.
func (runner *containerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: project UUID not provided")
	}
	mounts := map[string]map[string]interface{}{
		containerOutputDir: {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	cmdUUID, err := runner.uploadExecutable()
	if err != nil {
		return "", err
	}
	mounts["/mnt/cmd"] = map[string]interface{}{
		"kind": "collection",
		"uuid": cmdUUID,
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	rc := arvados.RuntimeConstraints{
		// Inputs listed in the map file are read through the
		// API, not mounted.
		API:          true,
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * 2 * int64(runner.VCPUs),
	}
	var outname interface{}
	if runner.OutputName != "" {
		outname = runner.OutputName
	}
	var cr arvados.ContainerRequest
	err = runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "mrp-runtime",
			"command":             append([]string{"/mnt/cmd/mrp"}, runner.Args...),
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         containerOutputDir,
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": strconv.Itoa(rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.Infof("container request UUID: %s", cr.UUID)

	if err := runner.wait(ctx, &cr); err != nil {
		return "", err
	}
	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// wait polls cr until it is final, following the container's stderr
// in the meantime.
func (runner *containerRunner) wait(ctx context.Context, cr *arvados.ContainerRequest) error {
	events := make(chan logEvent)
	es := &eventStream{Client: runner.Client}
	defer es.Close()
	following := ""
	offset := int64(0)
	lastState := cr.State
	refresh := func() {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Warnf("error getting container request: %s", err)
			return
		}
		if cr.State != lastState {
			log.Infof("container request state: %s", cr.State)
			lastState = cr.State
		}
		if cr.ContainerUUID != following {
			if following != "" {
				es.Unsubscribe(events, following)
			}
			log.Infof("container UUID: %s", cr.ContainerUUID)
			es.Subscribe(events, cr.ContainerUUID)
			following = cr.ContainerUUID
			offset = 0
		}
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	logPoll := time.Second
	logTimer := time.NewTimer(logPoll)
	defer logTimer.Stop()
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{"priority": 0},
			})
			if err != nil {
				log.Errorf("error cancelling container request %s: %s", cr.UUID, err)
			}
			return ctx.Err()
		case <-ticker.C:
			refresh()
		case ev := <-events:
			if ev.EventType == "update" {
				refresh()
			}
		case <-logTimer.C:
			if runner.copyLog(cr, &offset) > 0 {
				logPoll = time.Second
			} else if logPoll < 10*time.Second {
				logPoll *= 2
			}
			logTimer.Reset(logPoll)
		}
	}
	runner.copyLog(cr, &offset)
	return nil
}

// copyLog logs the complete lines of the container's stderr after
// *offset, advances *offset, and returns the number of lines logged.
func (runner *containerRunner) copyLog(cr *arvados.ContainerRequest, offset *int64) int {
	if cr.ContainerUUID == "" {
		return 0
	}
	req, err := http.NewRequest("GET", "https://"+runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/stderr.txt", nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return 0
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", *offset))
	resp, err := runner.Client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return 0
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return 0
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return 0
	}
	lines := 0
	for {
		eol := bytes.IndexByte(buf, '\n')
		if eol < 0 {
			break
		}
		if eol > 0 {
			log.Print(string(buf[:eol]))
			lines++
		}
		buf = buf[eol+1:]
		*offset += int64(eol + 1)
	}
	return lines
}

// TranslatePaths rewrites each path inside a collection to the
// corresponding path in the container, and adds a mount for the
// collection. Empty paths are left alone.
func (runner *containerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = map[string]map[string]interface{}{}
	}
	for _, path := range paths {
		if *path == "" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find collection UUID or portable data hash in path: %q", *path)
		}
		collID := m[2]
		mnt := "/mnt/" + collID
		if _, ok := runner.Mounts[mnt]; !ok {
			if len(collID) == 27 {
				runner.Mounts[mnt] = map[string]interface{}{"kind": "collection", "uuid": collID}
			} else {
				runner.Mounts[mnt] = map[string]interface{}{"kind": "collection", "portable_data_hash": collID}
			}
		}
		*path = mnt + m[3]
	}
	return nil
}

var mtxUploadExecutable sync.Mutex

// uploadExecutable stores the running mrp binary in a collection in
// the target project, reusing an existing collection with the same
// version and content hash.
func (runner *containerRunner) uploadExecutable() (string, error) {
	mtxUploadExecutable.Lock()
	defer mtxUploadExecutable.Unlock()
	exe, err := ioutil.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "mrp " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: hash},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Infof("using mrp binary in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("mrp", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties":    map[string]interface{}{"blake2b": hash},
		},
	})
	if err != nil {
		return "", err
	}
	log.Infof("stored mrp binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// remoteArgs returns args with the -local flag forced to true and
// the output folder pointed at the container's output directory.
// Paths in translated are replaced by their in-container paths.
func remoteArgs(args []string, translated map[string]string) []string {
	out := []string{"-local=true"}
	skipNext := false
	for i, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			out = append(out, arg)
			continue
		}
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
		} else if rewriteFlags[name] && i+1 < len(args) {
			skipNext = true
		}
		switch {
		case name == "local" || name == "project" || name == "priority" || name == "preemptible" || name == "vcpus" || name == "ram" || name == "out_folder":
			continue
		case translated[name] != "":
			out = append(out, "-"+name+"="+translated[name])
		default:
			if skipNext {
				out = append(out, arg, args[i+1])
			} else {
				out = append(out, arg)
			}
		}
	}
	return append(out, "-out_folder="+containerOutputDir)
}

// Flags whose value may be given as a separate argument and which
// remoteArgs may need to drop or replace.
var rewriteFlags = map[string]bool{
	"file":          true,
	"metadata_path": true,
	"exclude":       true,
	"out_folder":    true,
	"project":       true,
	"priority":      true,
	"vcpus":         true,
	"ram":           true,
}

// Inputs can be given as paths inside Arvados collections, either
// by portable data hash or by UUID, e.g.
// "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/ukb/sumstats.tsv.gz".
var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)
