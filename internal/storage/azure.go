package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/vitalred/vrbackup/internal/config"
)

type Azure struct {
	client    *azblob.Client
	container string
}

func NewAzure(cfg config.AzureStore) (*Azure, error) {
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &Azure{client: client, container: cfg.Container}, nil
}

func (a *Azure) Name() string { return "azure" }

// Put streams the body in blocks, so large archives are never held in memory.
func (a *Azure) Put(ctx context.Context, key string, reader io.Reader, _ int64, metadata map[string]string) error {
	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = &v
	}
	_, err := a.client.UploadStream(ctx, a.container, key, reader, &azblob.UploadStreamOptions{Metadata: meta})
	if err != nil {
		return fmt.Errorf("upload to azure blob: %w", err)
	}
	return nil
}

func (a *Azure) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download from azure blob: %w", err)
	}
	return resp.Body, nil
}

func (a *Azure) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	props, err := a.blob(key).GetProperties(ctx, &blob.GetPropertiesOptions{})
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return ObjectInfo{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("get blob properties: %w", err)
	}
	info := ObjectInfo{Key: key, Metadata: map[string]string{}}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.Modified = *props.LastModified
	}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	for k, v := range props.Metadata {
		if v != nil {
			info.Metadata[k] = *v
		}
	}
	return info, nil
}

func (a *Azure) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	pager := a.client.ServiceClient().NewContainerClient(a.container).NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	infos := []ObjectInfo{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: *item.Name}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					info.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					info.Modified = *p.LastModified
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete from azure blob: %w", err)
	}
	return nil
}

func (a *Azure) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (a *Azure) Close() error { return nil }

func (a *Azure) blob(key string) *blob.Client {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key)
}
