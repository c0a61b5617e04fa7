package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/simulate"
	lambdatransport "github.com/rendis/chatflow/internal/transport/lambdatransport"
	"github.com/rendis/chatflow/internal/validation"
)

func main() {
	logger := logging.New(os.Stderr, getenv("CHATFLOW_LOG_LEVEL", "info"), true)

	v, err := validation.NewFlowValidator(nil, validation.Options{})
	if err != nil {
		log.Fatalf("validator: %v", err)
	}
	h := lambdatransport.NewHandler(v, simulate.Options{
		Logger:      logger,
		MaxSteps:    getenvInt("CHATFLOW_SIM_MAX_STEPS", 10_000, 1),
		Horizon:     time.Duration(getenvInt("CHATFLOW_SIM_HORIZON_SECONDS", 86_400, 1)) * time.Second,
		Concurrency: getenvInt("CHATFLOW_SIM_CONCURRENCY", 4, 1),
	})

	lambda.Start(h.Handle)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback, min int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return fallback
	}
	return v
}
