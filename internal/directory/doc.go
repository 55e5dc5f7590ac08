// Package directory is the HTTP client for the asset directory and the
// action backend.
//
// Every call goes to <base>/api/method/iot.user_api.<method> with the
// caller's auth code in the AuthorizationCode header, and every answer is
// wrapped as {"message": ...}.
package directory
