// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpcdiscovery keeps RPC clients pointed at the current addresses
// of the services they call.
//
// Service configuration (URIs plus client settings, see package config)
// arrives as a live value, a [refreshable.Refreshable]. A [Supervisor]
// starts a background polling task per configuration source that resolves
// every hostname in it and publishes a [reconcile.ResolvedConfigSet]
// whenever the configuration or the DNS answers change:
//
//	input := refreshable.New(services)
//	watch, err := rpcdiscovery.DefaultSupervisor().StartPolling(
//		resolver.NewDefault(), 5*time.Second, metrics.New(prometheus.DefaultRegisterer), input,
//	)
//	if err != nil {
//		return err
//	}
//	defer watch.Close()
//
//	targets := watch.Targets("billing")
//
// # Name resolution
//
// The default resolver stack (see [resolver.NewDefault]) queries the
// system resolver, keeps serving the last good answer for a host for a
// while when a lookup comes back empty, and prefers IPv4 addresses when a
// host has both kinds.
//
// # Client caches
//
// Package clientcache holds the pooled transport clients and the
// per-target channels built from the resolved configuration. Package
// transport provides HTTP implementations of both. [NewClient] ties them
// to a Watch:
//
//	resources := clientcache.NewResourceCache()
//	defer resources.Close()
//	client := rpcdiscovery.NewClient(watch, resources, "billing")
//
// Requests sent with client follow configuration reloads and DNS changes
// without creating a new client.
//
// # Lifetime
//
// A [Watch] must be closed when it is no longer needed. Watches that are
// garbage collected without being closed are closed automatically and a
// warning is logged, but this happens at an unpredictable time.
package rpcdiscovery
