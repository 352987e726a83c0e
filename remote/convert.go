// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"encoding/json"
	"errors"

	"github.com/dop251/goja"

	"github.com/luxfi/bridge/wire"
)

const rejectedText = "promise rejected"

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v)
}

// export converts v into a plain value that survives any codec. Objects go
// through JSON.stringify so the host sees the same shape a script would
// serialize; functions and undefined become nil.
func (s *Space) export(v goja.Value) (any, error) {
	if !defined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if _, ok := goja.AssertFunction(v); ok {
		return nil, nil
	}
	if _, ok := v.(*goja.Object); ok {
		str, err := s.stringify(goja.Undefined(), v)
		if err != nil {
			return nil, err
		}
		if !defined(str) {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal([]byte(str.String()), &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	switch x := v.Export().(type) {
	case int64, float64, string, bool:
		return x, nil
	default:
		return v.String(), nil
	}
}

// text renders v the way JSON.stringify would, falling back to the string
// form for values it cannot serialize.
func (s *Space) text(v goja.Value) (string, error) {
	if v == nil {
		return "undefined", nil
	}
	str, err := s.stringify(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if !defined(str) {
		return v.String(), nil
	}
	return str.String(), nil
}

// params resolves call arguments into runtime values.
func (s *Space) params(entries []wire.ParamEntry) ([]goja.Value, error) {
	out := make([]goja.Value, len(entries))
	for i, p := range entries {
		switch p.Kind {
		case wire.ParamValue:
			out[i] = s.vm.ToValue(p.Value)
		case wire.ParamHandle:
			v, err := s.lookup(p.Handle)
			if err != nil {
				return nil, err
			}
			out[i] = v
		case wire.ParamCallback:
			out[i] = s.stub(p.Callback).fn
		default:
			return nil, protocolf("param %d: unknown kind %s", i, p.Kind)
		}
	}
	return out, nil
}

// primitive reports whether v can travel inline in an invoke event.
func primitive(v goja.Value) bool {
	if !defined(v) || goja.IsNull(v) {
		return true
	}
	_, isObj := v.(*goja.Object)
	return !isObj
}

// errorText returns the text a script would see for err.
func errorText(err error) string {
	var (
		exc *goja.Exception
		se  *scriptError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &exc):
		if v := exc.Value(); v != nil {
			return v.String()
		}
		return exc.Error()
	case errors.As(err, &se):
		return se.text
	default:
		return err.Error()
	}
}

// reasonText renders a promise rejection reason.
func reasonText(reason goja.Value) string {
	if !defined(reason) {
		return rejectedText
	}
	if text := reason.String(); text != "" {
		return text
	}
	return rejectedText
}
