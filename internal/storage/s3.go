package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const gcmMagic = "GCM3NCR0"

// objectAPI is the part of the S3 client the pipeline needs.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Client fetches scanned contracts and stores merged transcriptions.
// Objects may be encrypted at rest with a password-derived AES-GCM key.
type S3Client struct {
	client     objectAPI
	bucketName string
	password   string
}

// FileMetadata represents metadata about a stored file
type FileMetadata struct {
	OriginalName string            `json:"original_name"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	Encrypted    bool              `json:"encrypted"`
	Metadata     map[string]string `json:"metadata"`
}

// NewS3Client creates a new S3 client using the default AWS credential chain.
func NewS3Client(ctx context.Context, bucketName, password string) (*S3Client, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Client{client: s3.NewFromConfig(cfg), bucketName: bucketName, password: password}, nil
}

// ParseRef splits "s3://bucket/key" into bucket and key.
func ParseRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 ref: %q", ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 ref: %q", ref)
	}
	return bucket, key, nil
}

// Fetch downloads an s3:// ref, decrypting it when it carries the GCM envelope.
func (s *S3Client) Fetch(ctx context.Context, ref string) ([]byte, *FileMetadata, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read S3 object: %w", err)
	}

	meta := &FileMetadata{Metadata: make(map[string]string)}
	for k, v := range result.Metadata {
		meta.Metadata[strings.ToLower(k)] = v
	}
	meta.OriginalName = meta.Metadata["name"]
	if result.ContentType != nil {
		meta.ContentType = *result.ContentType
	}

	data := raw
	if bytes.HasPrefix(raw, []byte(gcmMagic)) {
		data, err = decryptGCM(raw, s.password)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt %s: %w", ref, err)
		}
		meta.Encrypted = true
	}
	meta.Size = int64(len(data))

	log.Info().
		Str("ref", ref).
		Bool("encrypted", meta.Encrypted).
		Str("original_name", meta.OriginalName).
		Int("size", len(data)).
		Msg("fetched object from S3")
	return data, meta, nil
}

// Upload stores data under key in the configured bucket, encrypting when a password is set.
func (s *S3Client) Upload(ctx context.Context, key string, data []byte, meta *FileMetadata) (string, error) {
	if s.bucketName == "" {
		return "", fmt.Errorf("no S3 bucket configured")
	}
	body := data
	s3Meta := map[string]string{}
	if s.password != "" {
		enc, err := encryptGCM(data, s.password)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt data: %w", err)
		}
		body = enc
		s3Meta["encrypted"] = "true"
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if meta != nil {
		if meta.OriginalName != "" {
			s3Meta["name"] = meta.OriginalName
		}
		for k, v := range meta.Metadata {
			s3Meta[k] = v
		}
		if meta.ContentType != "" {
			in.ContentType = aws.String(meta.ContentType)
		}
	}
	in.Metadata = s3Meta

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	ref := "s3://" + s.bucketName + "/" + key
	log.Info().Str("ref", ref).Int("size", len(data)).Msg("uploaded object to S3")
	return ref, nil
}

// Format: magic(8) + salt(16) + nonce(12) + ciphertext + tag(16)
func decryptGCM(data []byte, password string) ([]byte, error) {
	if len(data) < 8+16+12+16 {
		return nil, fmt.Errorf("GCM data too short: %d bytes", len(data))
	}
	salt := data[8:24]
	nonce := data[24:36]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[36:], nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plaintext, nil
}

func encryptGCM(data []byte, password string) ([]byte, error) {
	salt := make([]byte, 16)
	nonce := make([]byte, 12)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 36+len(data)+gcm.Overhead())
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
