// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package altp2m

import (
	"gvisor.dev/altp2m/pkg/metric"
)

// Failure reasons used as metric field values.
const (
	reasonInvalidIndex  = "invalid_index"
	reasonAlreadyExists = "already_exists"
	reasonNoCapacity    = "no_capacity"
	reasonOutOfMemory   = "out_of_memory"
	reasonNotFound      = "not_found"
	reasonBusy          = "busy"
)

var (
	viewsCreated = metric.MustCreateNewUint64Metric("/altp2m/views_created",
		"Number of views created.")
	viewsDestroyed = metric.MustCreateNewUint64Metric("/altp2m/views_destroyed",
		"Number of views destroyed, flushed or torn down.")
	createFailures = metric.MustCreateNewUint64Metric("/altp2m/create_failures",
		"Number of failed view creations, by reason.",
		metric.NewField("reason", reasonInvalidIndex, reasonAlreadyExists, reasonNoCapacity, reasonOutOfMemory))
	destroyFailures = metric.MustCreateNewUint64Metric("/altp2m/destroy_failures",
		"Number of failed view destructions, by reason.",
		metric.NewField("reason", reasonNotFound, reasonBusy))
	domainSwitches = metric.MustCreateNewUint64Metric("/altp2m/domain_switches",
		"Number of successful domain-wide view switches.")
	vcpuRebinds = metric.MustCreateNewUint64Metric("/altp2m/vcpu_rebinds",
		"Number of vCPUs moved to another view by domain switches.")
)
