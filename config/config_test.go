package config

import (
	"encoding/json"
	"testing"
)

func testOptions(opt Options, t *testing.T) {
	err := opt.Verify()
	if err != nil {
		t.Error(err)
	}

	//Check json marshaling
	jstr, err := json.Marshal(opt)
	if err != nil {
		t.Error(err)
	}

	var jobj Options
	err = json.Unmarshal(jstr, &jobj)
	if err != nil {
		t.Error(err)
	}

	err = jobj.Verify()
	if err != nil {
		t.Error(err)
	}

	if !jobj.Equals(opt) {
		t.Error("unmarshalled version did not equate to original")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions

	testOptions(opts, t)
}

func TestOptionsTimeout(t *testing.T) {
	opts := DefaultOptions
	opts.Framed.ConnectionTimeout = 0

	err := opts.Verify()
	if err == nil {
		t.Error("failed to catch zero connection timeout")
	}
}

func TestOptionsMerge(t *testing.T) {
	tgt := DefaultOptions

	opts := Options{}
	opts.Framed = tgt.Framed
	opts.Push = tgt.Push
	opts.Admin = tgt.Admin
	opts.Data = tgt.Data
	opts.Discovery = tgt.Discovery
	opts.Framed.ConnectionTimeout = 30

	if err := tgt.MergeFrom(opts); err != nil {
		t.Error(err)
	}
	if tgt.Framed.ConnectionTimeout != 30 {
		t.Error("expected a different connection timeout")
	}

	opts.Framed.ConnectionTimeout = 0
	if err := tgt.MergeFrom(opts); err == nil {
		t.Error("failed to find bad connection timeout")
	}
}
