// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 stores exported device images in an S3 bucket. Every chunk of
// the image is one object. It uses aws api v1.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"
)

// Object number is split into halves and the lower half is used as s3
// prefix, so consecutive chunks do not share a prefix and are not rate
// limited together.
const keyFmt = "%s/%08x/%08x"

// S3 uploads image chunks as objects <prefix>/<low>/<high>.
type S3 struct {
	uploader *s3manager.Uploader
	client   *s3.S3
	bucket   string
	prefix   string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// Returns http client with timeouts recommended by AWS for usage in their
// network and with http2 enabled.
func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{Transport: tr}
}

// New connects to the remote and creates the bucket if it does not exist
// yet.
func New(o Options) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    newHTTPClient(),
	})
	if err != nil {
		return nil, err
	}

	s := &S3{
		client: s3.New(sess),
		bucket: o.Bucket,
		prefix: o.Prefix,
	}

	// Chunks are uploaded in parallel by the exporter, one chunk is one
	// part.
	s.uploader = s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.Concurrency = 1
	}, s3manager.WithUploaderRequestOptions(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))

	if err := s.ensureBucket(); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", o.Bucket, err)
	}

	return s, nil
}

// Upload stores buf as the object for chunk key.
func (s *S3) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(s.prefix, key)),
		Body:   bytes.NewReader(buf),
	})

	return err
}

// Creates the bucket unless it already exists and waits until it appears.
func (s *S3) ensureBucket() error {
	bucket := &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}

	if _, err := s.client.HeadBucket(bucket); err == nil {
		return nil
	}

	if _, err := s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return err
	}

	return s.client.WaitUntilBucketExists(bucket)
}

// Object number is split into halves, the lower one goes first.
func encode(prefix string, key int64) string {
	low := key & 0xffffffff
	high := (key >> 32) & 0xffffffff

	return fmt.Sprintf(keyFmt, prefix, low, high)
}
