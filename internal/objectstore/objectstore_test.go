package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3 implements s3API for testing.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr, getErr, delErr error

	lastPut *s3.PutObjectInput
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	m.lastPut = input
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type mockPresigner struct {
	url string
	err error
}

func (m *mockPresigner) PresignGetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &v4.PresignedHTTPRequest{URL: m.url + "/" + *input.Key}, nil
}

func testGateway(mock *mockS3) *Gateway {
	return &Gateway{
		client:    mock,
		bucket:    "test-bucket",
		timeout:   5 * time.Second,
		retryBase: time.Millisecond,
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty config should fail")
	}
	if _, err := New(Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}); err != nil {
		t.Errorf("New with full config: %v", err)
	}
}

func TestKeyForNamespacesByYear(t *testing.T) {
	start := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)
	key := KeyFor(start, "01J0EXAMPLE")
	want := "backups/2026/01J0EXAMPLE.arc"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestPutSetsEncryptionAndStorageClass(t *testing.T) {
	mock := newMockS3()
	g := testGateway(mock)

	blob := []byte("encrypted archive bytes")
	location, err := g.Put(context.Background(), "backups/2026/X.arc", blob)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if location != "backups/2026/X.arc" {
		t.Errorf("location = %q, want the key", location)
	}
	if !bytes.Equal(mock.objects["backups/2026/X.arc"], blob) {
		t.Error("stored blob differs from uploaded blob")
	}
	if mock.lastPut.ServerSideEncryption != types.ServerSideEncryptionAes256 {
		t.Errorf("sse = %q, want AES256", mock.lastPut.ServerSideEncryption)
	}
	if mock.lastPut.StorageClass != types.StorageClassStandardIa {
		t.Errorf("storage class = %q, want STANDARD_IA", mock.lastPut.StorageClass)
	}
}

func TestGetRoundTrip(t *testing.T) {
	mock := newMockS3()
	g := testGateway(mock)

	blob := []byte("blob contents")
	location, err := g.Put(context.Background(), "backups/2026/Y.arc", blob)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := g.Get(context.Background(), location)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("got %q, want %q", got, blob)
	}
}

func TestTransportFailuresWrapErrUnavailable(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("connection refused")
	mock.getErr = errors.New("connection refused")
	mock.delErr = errors.New("connection refused")
	g := testGateway(mock)
	ctx := context.Background()

	if _, err := g.Put(ctx, "k", []byte("b")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("put error = %v, want ErrUnavailable", err)
	}
	if _, err := g.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("get error = %v, want ErrUnavailable", err)
	}
	if err := g.Delete(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("delete error = %v, want ErrUnavailable", err)
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	mock := newMockS3()
	g := testGateway(mock)
	ctx := context.Background()

	location, err := g.Put(ctx, "backups/2026/Z.arc", []byte("b"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := g.Delete(ctx, location); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := mock.objects[location]; ok {
		t.Error("object still present after delete")
	}
}

func TestPresignGet(t *testing.T) {
	g := testGateway(newMockS3())
	g.presigner = &mockPresigner{url: "https://signed.example"}

	url, err := g.PresignGet(context.Background(), "backups/2026/X.arc", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if url != "https://signed.example/backups/2026/X.arc" {
		t.Errorf("url = %q", url)
	}
}
