// Package sanitizer normalizes identity input before validation and storage.
//
// All functions are idempotent: applying them twice gives the same result as
// applying them once. Invalid input yields an empty string rather than an error.
package sanitizer
