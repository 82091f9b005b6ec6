// SPDX-License-Identifier: MPL-2.0

package action

type (
	// Request is the body of POST /execute_action.
	Request struct {
		Action Action `json:"action"`
	}

	// Response is the success body of POST /execute_action.
	Response struct {
		Observation Observation `json:"observation"`
	}

	// ErrorDetail is the body of any non-200 transport failure.
	ErrorDetail struct {
		Detail string `json:"detail"`
	}
)
