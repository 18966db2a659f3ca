// SPDX-License-Identifier: MIT

package connector

import (
	"encoding/json"
	"fmt"
)

// The parsers in this file accept arbitrary input and either return a typed
// value or a taxonomy error. Unknown fields are ignored; nothing here panics.

// ParseQuality decodes a quality model blob.
func ParseQuality(data []byte) (QualityModel, error) {
	var q QualityModel
	if err := json.Unmarshal(data, &q); err != nil {
		return QualityModel{}, &Error{Category: CategoryValidation, Op: "parse quality", Err: err}
	}
	if q.Quality.Name == "" && q.Quality.ID == 0 {
		return QualityModel{}, &Error{Category: CategoryValidation, Op: "parse quality", Err: fmt.Errorf("missing quality descriptor")}
	}
	return q, nil
}

// SerializeQuality encodes a quality model for storage or transmission.
func SerializeQuality(q QualityModel) ([]byte, error) {
	return json.Marshal(q)
}

// ParseCommandResponse decodes a command acknowledgement.
func ParseCommandResponse(data []byte) (CommandResponse, error) {
	var r CommandResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return CommandResponse{}, &Error{Category: CategoryValidation, Op: "parse command response", Err: err}
	}
	if r.ID == 0 {
		return CommandResponse{}, &Error{Category: CategoryValidation, Op: "parse command response", Err: fmt.Errorf("missing command id")}
	}
	return r, nil
}

// ParsePagedResponse decodes a pagination envelope, leaving records raw.
func ParsePagedResponse(data []byte) (PagedResponse, error) {
	var p PagedResponse
	if err := json.Unmarshal(data, &p); err != nil {
		return PagedResponse{}, &Error{Category: CategoryValidation, Op: "parse paged response", Err: err}
	}
	if p.Page < 0 || p.PageSize < 0 || p.TotalRecords < 0 {
		return PagedResponse{}, &Error{Category: CategoryValidation, Op: "parse paged response", Err: fmt.Errorf("negative pagination fields")}
	}
	return p, nil
}
