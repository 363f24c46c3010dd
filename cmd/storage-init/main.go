package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"task-sync/config"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	conn := cfg.Storage.ConnectionString
	if conn == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	log.Info("storage init starting")

	ctx := context.Background()
	if err := createTable(ctx, conn, cfg.Storage.TasksTable); err != nil {
		log.Fatalf("create table %s: %v", cfg.Storage.TasksTable, err)
	}
	if q := cfg.Storage.NotificationQueue; q != "" {
		if err := createQueue(ctx, conn, q); err != nil {
			log.Fatalf("create queue %s: %v", q, err)
		}
	}
	log.WithFields(log.Fields{
		"table": cfg.Storage.TasksTable,
		"queue": cfg.Storage.NotificationQueue,
	}).Info("storage init complete")
}

func createTable(ctx context.Context, conn, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(conn, nil)
	if err != nil {
		return err
	}
	_, err = svc.NewClient(name).CreateTable(ctx, nil)
	var respErr *azcore.ResponseError
	if err != nil && !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
		return err
	}
	return nil
}

func createQueue(ctx context.Context, conn, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(conn, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	var respErr *azcore.ResponseError
	if err != nil && !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
		return err
	}
	return nil
}
