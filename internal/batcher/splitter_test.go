/*
 * MIT License
 *
 * Copyright (c) 2025 The AIProxy Authors.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package batcher

import (
	"bytes"
	"testing"
)

func TestSplitTopLevelArrayBasic(t *testing.T) {
	parts, err := SplitTopLevelArray([]byte(`[1,2,3]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"1", "2", "3"}
	if len(parts) != len(want) {
		t.Fatalf("got %d parts, want %d", len(parts), len(want))
	}
	for i, w := range want {
		if string(parts[i]) != w {
			t.Fatalf("part %d = %q, want %q", i, parts[i], w)
		}
	}
}

func TestSplitTopLevelArrayNestedAndStrings(t *testing.T) {
	in := `[{"a":"b,c"},["x,y",1],"plain, text"]`
	parts, err := SplitTopLevelArray([]byte(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3: %q", len(parts), parts)
	}
	if string(parts[0]) != `{"a":"b,c"}` {
		t.Fatalf("part 0 = %q", parts[0])
	}
	if string(parts[1]) != `["x,y",1]` {
		t.Fatalf("part 1 = %q", parts[1])
	}
	if string(parts[2]) != `"plain, text"` {
		t.Fatalf("part 2 = %q", parts[2])
	}
}

func TestSplitTopLevelArrayEscapedQuotes(t *testing.T) {
	in := `["a\"b,c", "d"]`
	parts, err := SplitTopLevelArray([]byte(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2: %q", len(parts), parts)
	}
}

func TestSplitTopLevelArrayEmpty(t *testing.T) {
	parts, err := SplitTopLevelArray([]byte(`[]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("expected zero parts, got %d", len(parts))
	}
}

func TestSplitTopLevelArrayMalformed(t *testing.T) {
	if _, err := SplitTopLevelArray([]byte(`{"not":"an array"}`)); err == nil {
		t.Fatalf("expected error for non-array input")
	}
	if _, err := SplitTopLevelArray([]byte(`[1,2`)); err == nil {
		t.Fatalf("expected error for unterminated array")
	}
	if _, err := SplitTopLevelArray([]byte(`[1,2]]`)); err == nil {
		t.Fatalf("expected error for unbalanced array")
	}
}

func TestSplitThenJoinRoundTrips(t *testing.T) {
	in := []byte(`[1,{"x":[1,2,"a,b"]},"y,z"]`)
	parts, err := SplitTopLevelArray(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := JoinTopLevelArray(parts)
	if !bytes.Equal(joined, in) {
		t.Fatalf("round-trip mismatch: got %q, want %q", joined, in)
	}
}

func TestLooksLikeJSON(t *testing.T) {
	if !LooksLikeJSON([]byte("  [1,2]")) {
		t.Fatalf("expected array to look like JSON")
	}
	if !LooksLikeJSON([]byte(`{"a":1}`)) {
		t.Fatalf("expected object to look like JSON")
	}
	if LooksLikeJSON([]byte("plain text")) {
		t.Fatalf("expected plain text to not look like JSON")
	}
	if LooksLikeJSON(nil) {
		t.Fatalf("expected empty body to not look like JSON")
	}
}
