// SPDX-License-Identifier: MIT

package connector

import (
	"context"
	"encoding/json"
)

// PageFetcher retrieves one page of a paginated listing.
type PageFetcher func(ctx context.Context, page, pageSize int) (PagedResponse, error)

// FetchAll drains a paginated endpoint, returning every raw record. It calls
// the fetcher until page*pageSize covers totalRecords; an empty listing makes
// exactly one call.
func FetchAll(ctx context.Context, fetch PageFetcher, pageSize, startPage int) ([]json.RawMessage, error) {
	if pageSize < 1 {
		pageSize = 1000
	}
	if startPage < 1 {
		startPage = 1
	}

	var records []json.RawMessage
	page := startPage
	for {
		res, err := fetch(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		records = append(records, res.Records...)
		if page*pageSize >= res.TotalRecords || len(res.Records) == 0 {
			return records, nil
		}
		page++
	}
}

// DecodeAll unmarshals every record strictly; the first malformed record
// fails the whole fetch.
func DecodeAll[T any](records []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, raw := range records {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Category: CategoryValidation, Op: "decode records", Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeLenient unmarshals records one by one, skipping and counting
// malformed entries while streaming the valid remainder. When every record of
// a non-empty listing is malformed the whole response is a schema mismatch.
func DecodeLenient[T any](records []json.RawMessage) ([]T, int, error) {
	out := make([]T, 0, len(records))
	skipped := 0
	for _, raw := range records {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			skipped++
			continue
		}
		out = append(out, v)
	}
	if len(records) > 0 && len(out) == 0 {
		return nil, skipped, &Error{Category: CategoryValidation, Op: "decode records", Err: errAllRecordsMalformed}
	}
	return out, skipped, nil
}

var errAllRecordsMalformed = &schemaMismatchError{}

type schemaMismatchError struct{}

func (*schemaMismatchError) Error() string {
	return "every record in a non-empty response failed to decode"
}
