package socket

import (
	"testing"
	"time"
)

func FuzzUnmarshalRequest(f *testing.F) {
	f.Add([]byte{0x08, 0x01})
	f.Add([]byte{0x18, 0x01, 0x22, 0x04, 0x0a, 0x02, 0x0a, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := UnmarshalRequest(data)
		if err != nil || ValidateRequest(req) != nil || req.Ingest == nil {
			return
		}
		for _, e := range req.Ingest.Events {
			_, _ = ToEvent(e, time.Unix(0, 0))
		}
	})
}
