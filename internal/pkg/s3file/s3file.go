// Package s3file uploads content-addressed objects to S3. It is
// used for stack templates that exceed the inline body limit; an
// object whose content hash already matches is not re-uploaded.
package s3file

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"

	"github.com/juju/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Config is the input of Write.
type Config struct {
	// Bucket is the bucket name.
	Bucket string

	// Key is the object key in the bucket.
	Key string

	// Prefix is prepended to Key to form the final object key.
	Prefix string

	// Content of the object.
	Content io.ReadSeeker

	// ContentType of the object. Defaults to
	// application/octet-stream.
	ContentType string

	// MaxSize limits the size of the upload when non-zero.
	MaxSize int64

	// Region is the AWS region of the bucket. The object URL is
	// constructed only when Region is set.
	Region string
}

// File describes an uploaded S3 object.
type File struct {
	Bucket string
	Key    string

	// VersionID is the object version, when the bucket is
	// versioned.
	VersionID string

	// Hash is the hex md5 of the content.
	Hash string

	ContentType string
	Region      string

	// URL is the https URL of the object, e.g.
	// https://s3.eu-west-1.amazonaws.com/mybucket/mykey
	URL string
}

func contentHash(r io.ReadSeeker, h hash.Hash, maxSize int64) (err error) {
	buf := make([]byte, 4096)
	size := int64(0)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			size += int64(n)
			if maxSize != 0 && size > maxSize {
				return errors.Errorf("content is too big, size is > %d", maxSize)
			}
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Annotatef(err, "hash calculation failed, cannot read")
		}
	}
	if _, err = r.Seek(0, io.SeekStart); err != nil {
		return errors.Annotatef(err, "hash calculation failed, cannot seek")
	}
	return nil
}

func (f *File) setLocation(c Config) error {
	if c.Bucket == "" {
		return errors.Errorf("bucket is not set")
	}
	if c.Key == "" {
		return errors.Errorf("key is not set")
	}
	f.Bucket = c.Bucket
	f.Key = c.Prefix + c.Key
	f.Region = c.Region
	return nil
}

func (f *File) setURL() {
	if f.Region == "" {
		return
	}
	f.URL = fmt.Sprintf(
		"https://s3.%s.amazonaws.com/%s/%s",
		f.Region,
		f.Bucket,
		f.Key)
	if f.VersionID != "" {
		f.URL += fmt.Sprintf("?versionId=%s", url.PathEscape(f.VersionID))
	}
}

// Write uploads the object. When an object with the same key,
// content type and content hash already exists, the existing
// version is returned without uploading.
func Write(conn s3iface.S3API, c Config) (*File, error) {
	f := &File{}

	if err := f.setLocation(c); err != nil {
		return nil, errors.Annotatef(err, "s3 write failed")
	}
	if c.Content == nil {
		return nil, errors.Errorf("s3 write failed, content is not set")
	}

	h := md5.New()
	if err := contentHash(c.Content, h, c.MaxSize); err != nil {
		return nil, errors.Annotatef(err, "s3 write failed")
	}
	sum := h.Sum(nil)
	f.Hash = hex.EncodeToString(sum)

	if c.ContentType == "" {
		f.ContentType = "application/octet-stream"
	} else {
		f.ContentType = c.ContentType
	}

	prev, err := conn.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(f.Bucket),
		Key:    aws.String(f.Key),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.RequestFailure); !ok || awsErr.StatusCode() != 404 {
			return nil, errors.Annotatef(err, "s3 write failed, cannot read previous object")
		}
	} else if aws.StringValue(prev.ContentType) == f.ContentType && aws.StringValue(prev.ETag) == fmt.Sprintf(`"%s"`, f.Hash) {
		f.VersionID = aws.StringValue(prev.VersionId)
		f.setURL()
		return f, nil
	}

	out, err := conn.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(f.Bucket),
		Key:         aws.String(f.Key),
		ContentType: aws.String(f.ContentType),
		ContentMD5:  aws.String(base64.StdEncoding.EncodeToString(sum)),
		Body:        c.Content,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "s3 write failed")
	}
	f.VersionID = aws.StringValue(out.VersionId)
	f.setURL()
	return f, nil
}
