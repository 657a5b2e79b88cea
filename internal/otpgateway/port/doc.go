// Package port exposes the OTP service over HTTP/JSON.
package port
