// Package debug provides assert helpers and per-package log verbosity,
// mirroring the teacher's cmn/debug package: Assert* panics (instead of
// compiling out) so that invariant violations are visible in every build,
// per spec §7 ("Invariant violation ... fatal; the process aborts").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

var modules = map[string]int{}

func init() {
	loadLogLevel()
}

// V reports whether module is enabled at or above level (teacher:
// AIS_DEBUG=module=level, here RRD_DEBUG=module=level).
func V(module string, level int) bool {
	return modules[module] >= level
}

func Errorf(f string, a ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func Infof(f string, a ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func _panic(a ...interface{}) {
	msg := "DEBUG PANIC: "
	if len(a) > 0 {
		msg += fmt.Sprint(a...)
	}
	glog.Errorf("%s", msg)
	glog.Flush()
	panic(msg)
}

// Assert panics with the optional message if cond is false. Unlike the
// teacher's build-tag gated variant, this one is never compiled out: the
// spec requires invariant violations to abort in every build (§7).
func Assert(cond bool, a ...interface{}) {
	if !cond {
		_panic(a...)
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		_panic(msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		_panic(err)
	}
}

func Assertf(cond bool, f string, a ...interface{}) {
	if !cond {
		_panic(fmt.Sprintf(f, a...))
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("state")
	AssertMsg(state.Int()&1 == 1, "Mutex not Locked")
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("w").FieldByName("state")
	AssertMsg(state.Int()&1 == 1, "RWMutex not Locked")
}

// loadLogLevel parses RRD_DEBUG=xmeta=2,reducer=1 the way the teacher
// parses AIS_DEBUG=transport=4,memsys=3 (same GODEBUG-like format).
func loadLogLevel() {
	val := os.Getenv("RRD_DEBUG")
	if val == "" {
		return
	}
	for _, ele := range strings.Split(val, ",") {
		pair := strings.SplitN(ele, "=", 2)
		if len(pair) != 2 {
			fmt.Fprintf(os.Stderr, "debug: malformed RRD_DEBUG element %q\n", ele)
			continue
		}
		lvl, err := strconv.Atoi(pair[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "debug: invalid verbosity %q for module %q\n", pair[1], pair[0])
			continue
		}
		modules[pair[0]] = lvl
	}
}
