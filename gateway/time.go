package gateway

import "github.com/muscleserver/muscle/cmn/mono"

func nowMicros() int64 { return mono.Micros() }
