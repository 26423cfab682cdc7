package jsondb

import (
	"encoding/hex"
	"log/slog"
	"runtime/debug"
	"slices"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// safelyCall converts a panic raised by fn into an error carrying the stack.
func safelyCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(*Error); ok {
				err = e
				return
			}
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn()
}

func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			data[i]++
			for j := i + 1; j < n; j++ {
				data[j] = 0
			}
			return true
		}
	}
	return false
}

// incCopy returns the smallest byte string greater than every string having
// the given prefix, or nil if there is none.
func incCopy(prefix []byte) []byte {
	b := slices.Clone(prefix)
	for len(b) > 0 {
		if inc(b[len(b)-1:]) {
			return b
		}
		b = b[:len(b)-1]
	}
	return nil
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
