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
	"context"
	"fmt"
	"strconv"
)

// ForwardFunc sends one synthetic request derived from a split array
// element to the backend and reports its status and raw response body.
type ForwardFunc func(ctx context.Context, item []byte) (status int, body []byte, err error)

// SplitItemResult is one element of the splitter's composed response
// array: {"status":<code>,"body":<backend body as escaped JSON string>}.
type SplitItemResult struct {
	Status int
	Body   []byte
	Err    error
}

// SplitAndForward splits a client-submitted JSON array (the opt-in batch-
// split feature) into its top-level elements, forwards each serially via
// forward (preserving order), and composes a JSON array response. No
// other body mutation is applied.
func SplitAndForward(ctx context.Context, arrayBody []byte, forward ForwardFunc) ([]byte, error) {
	items, err := SplitTopLevelArray(arrayBody)
	if err != nil {
		return nil, err
	}
	results := make([]SplitItemResult, len(items))
	for i, item := range items {
		status, body, ferr := forward(ctx, item)
		results[i] = SplitItemResult{Status: status, Body: body, Err: ferr}
	}
	return composeResponse(results), nil
}

func composeResponse(results []SplitItemResult) []byte {
	parts := make([][]byte, len(results))
	for i, r := range results {
		status := r.Status
		if r.Err != nil && status == 0 {
			status = 502
		}
		parts[i] = []byte(fmt.Sprintf(`{"status":%d,"body":%s}`, status, strconv.Quote(string(r.Body))))
	}
	return JoinTopLevelArray(parts)
}
