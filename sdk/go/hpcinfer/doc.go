// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package hpcinfer defines the data model, error taxonomy,
// configuration, and API surface shared by the hpcinfer orchestrator,
// its HTTP router, and its remote clients.
package hpcinfer
