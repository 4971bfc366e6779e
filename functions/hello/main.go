package main

import (
	"context"
	"log"

	"github.com/localfn/localfn/pkg/funcruntime"
)

func main() {
	client, err := funcruntime.New()
	if err != nil {
		log.Fatal(err)
	}

	if err := client.Run(context.Background(), handler); err != nil {
		log.Fatal(err)
	}
}

func handler(ctx context.Context, payload []byte) ([]byte, error) {
	return []byte(`{"message":"hello from localfn"}`), nil
}
