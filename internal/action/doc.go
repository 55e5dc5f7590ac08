// Package action submits client output and command actions and reports
// their results.
//
// Every submitted action ends in exactly one notification on the client's
// original request id: the backend result, a timeout, or the submission
// failure.
package action
