// Package tracepb contains the protobuf-generated Go bindings for the
// TraceControl gRPC interface.
//
// To regenerate the Go source files from proto/tracepb/trace.proto, run go
// generate from the repository root:
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative trace.proto
package tracepb
