package media

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore は画像本体の保存先を抽象化する。
// 本番ではMinIO、テストではインメモリ実装を使用する。
type objectStore interface {
	// Put はオブジェクトを保存する。
	Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
	// Remove はオブジェクトを削除する。
	Remove(ctx context.Context, objectName string) error
}

// minioStore はMinIOをバックエンドとするobjectStoreの実装。
type minioStore struct {
	// client はMinIOクライアント。
	client *minio.Client
	// bucket は保存先バケット名。
	bucket string
}

// newMinioStore はMinIOクライアントを生成し、バケットの存在を保証する。
func newMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*minioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIOクライアントの生成に失敗: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("バケットの確認に失敗: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("バケットの作成に失敗: %w", err)
		}
	}

	return &minioStore{client: client, bucket: bucket}, nil
}

// Put はオブジェクトをMinIOバケットに保存する。
func (m *minioStore) Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("オブジェクトの保存に失敗: %w", err)
	}
	return nil
}

// Remove はオブジェクトをMinIOバケットから削除する。
func (m *minioStore) Remove(ctx context.Context, objectName string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("オブジェクトの削除に失敗: %w", err)
	}
	return nil
}
