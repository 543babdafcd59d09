// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the on-behalf-of token exchange service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/obo-exchange/cmd/obo-exchange/app"
	"github.com/stacklok/obo-exchange/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Get().Error(fmt.Sprintf("Error executing command: %v", err))
		cancel()
		os.Exit(1)
	}
}
