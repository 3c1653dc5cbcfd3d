// Package nlog is the reflect server's severity-leveled logger.
//
// Grounded on the teacher's own cmn/nlog package: same severity levels, same
// fixed-size double-buffer-and-flush scheme so that a hot path on the
// single event-loop goroutine (session attach/detach, notification
// dispatch, pulse errors per spec.md §7) never blocks on a log write until
// a buffer actually fills. Condensed relative to the teacher's version,
// which also rotates to per-severity files on disk; this server logs to a
// single configured io.Writer (stderr by default) since on-disk log
// rotation is an operational concern outside the reflect-server core.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const sevChar = "IWE"

const (
	fixedSize   = 16 * 1024
	maxLineSize = 2 * 1024
)

var (
	toStderr     bool
	alsoToStderr bool

	mu  sync.Mutex
	out io.Writer = os.Stderr
	buf bytes.Buffer
)

// InitFlags registers the -logtostderr/-alsologtostderr flags, mirroring
// the teacher's own nlog.InitFlags signature.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of an internal buffer")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as the configured writer")
}

// SetOutput redirects all severities to w, for callers such as tests that
// want to capture log output.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	toStderr = false
	mu.Unlock()
}

func header(sev severity, depth int, fb *bytes.Buffer) {
	_, fn, ln, ok := runtime.Caller(3 + depth)
	if ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
	} else {
		fn, ln = "???", 0
	}
	fb.WriteByte(sevChar[sev])
	fb.WriteByte(' ')
	fb.WriteString(time.Now().Format("15:04:05.000000"))
	fb.WriteByte(' ')
	fb.WriteString(fn)
	fb.WriteByte(':')
	fb.WriteString(strconv.Itoa(ln))
	fb.WriteByte(' ')
}

func log(sev severity, depth int, format string, args ...any) {
	var line bytes.Buffer
	header(sev, depth+1, &line)
	if format == "" {
		fmt.Fprintln(&line, args...)
	} else {
		fmt.Fprintf(&line, format, args...)
		if b := line.Bytes(); len(b) == 0 || b[len(b)-1] != '\n' {
			line.WriteByte('\n')
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.Write(line.Bytes())
	}
	if toStderr {
		return
	}
	buf.Write(line.Bytes())
	if buf.Len() >= fixedSize-maxLineSize {
		out.Write(buf.Bytes())
		buf.Reset()
	}
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func WarningDepth(depth int, args ...any) { log(sevWarn, depth, "", args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// Flush drains the internal buffer to the configured writer.
func Flush(...bool) {
	mu.Lock()
	defer mu.Unlock()
	if buf.Len() > 0 {
		out.Write(buf.Bytes())
		buf.Reset()
	}
}
