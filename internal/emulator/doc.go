// Package emulator exposes the provider stores through the request and
// response types of the vendor SDKs, so code written against the AWS,
// GCP and Azure clients can run against a local vstore.
//
// Errors use the vendor error types: smithy exceptions for AWS, gRPC
// status codes for GCP and azcore.ResponseError for Azure.
package emulator
