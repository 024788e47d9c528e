// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/speicher-dev/speicher/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("api", "S3 REST API")
