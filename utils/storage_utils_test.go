package utils

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type stubS3 struct {
	s3iface.S3API
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (s *stubS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	s.input = in
	s.body, _ = io.ReadAll(in.Body)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestObjectStorePut(t *testing.T) {
	stub := &stubS3{}
	store, err := NewObjectStore(stub, "audits")
	if err != nil {
		t.Fatalf("NewObjectStore: %v", err)
	}
	loc, err := store.Put(context.Background(), "held/2026-01-02.json", []byte(`[]`), "application/json")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "s3://audits/held/2026-01-02.json" {
		t.Fatalf("unexpected location %q", loc)
	}
	if aws.StringValue(stub.input.Bucket) != "audits" || aws.StringValue(stub.input.ContentType) != "application/json" {
		t.Fatalf("unexpected input %+v", stub.input)
	}
	if string(stub.body) != "[]" || aws.Int64Value(stub.input.ContentLength) != 2 {
		t.Fatalf("unexpected body %q", stub.body)
	}
}

func TestObjectStorePutError(t *testing.T) {
	store, _ := NewObjectStore(&stubS3{err: errors.New("denied")}, "audits")
	if _, err := store.Put(context.Background(), "k", nil, "application/json"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewObjectStoreValidates(t *testing.T) {
	if _, err := NewObjectStore(nil, "b"); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewObjectStore(&stubS3{}, ""); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
