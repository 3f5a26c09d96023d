// Package objstore implements filesystem-backed object storage with
// per-tenant roots. Objects live at root/{tenant}/{bucket}/{key} with a
// .meta.json sidecar carrying content type, weak ETag, length, and
// user-supplied metadata. The package also provides multipart uploads,
// presigned URL signing, quota evaluation, Brotli response compression,
// and bounded image transforms.
package objstore
