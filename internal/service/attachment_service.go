package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/storage"

	"github.com/google/uuid"
)

// MaxAttachmentSize 是单个附件的大小上限。
const MaxAttachmentSize = 20 << 20

// ErrAttachmentTooLarge 表示附件超过大小上限。
var ErrAttachmentTooLarge = errors.New("attachment too large")

// AttachmentService 把用户上传的附件写入对象存储。
type AttachmentService interface {
	Upload(ctx context.Context, userID, fileName string, r io.Reader, size int64, contentType string) (*model.Attachment, error)
}

type attachmentService struct {
	store  storage.ObjectStore
	expiry time.Duration
	newID  func() string
}

// NewAttachmentService 创建 AttachmentService。expiry 是预签名下载链接的有效期。
func NewAttachmentService(store storage.ObjectStore, expiry time.Duration) AttachmentService {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &attachmentService{store: store, expiry: expiry, newID: uuid.NewString}
}

func (s *attachmentService) Upload(ctx context.Context, userID, fileName string, r io.Reader, size int64, contentType string) (*model.Attachment, error) {
	if size > MaxAttachmentSize {
		return nil, ErrAttachmentTooLarge
	}
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectKey := fmt.Sprintf("attachments/%s/%s/%s", userID, s.newID(), name)

	if err := s.store.Put(ctx, objectKey, r, size, contentType); err != nil {
		return nil, err
	}
	url, err := s.store.PresignedURL(ctx, objectKey, s.expiry)
	if err != nil {
		// 附件已经保存，没有链接时客户端仍可通过 ObjectKey 引用
		log.Warnf("生成附件下载链接失败: %s, err=%v", objectKey, err)
	}
	log.Infow("附件已上传", "userId", userID, "objectKey", objectKey, "size", size)
	return &model.Attachment{
		Name:        name,
		ObjectKey:   objectKey,
		URL:         url,
		ContentType: contentType,
		Size:        size,
	}, nil
}
