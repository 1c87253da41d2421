// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ramblk is a block device kept entirely in memory. Requests come through
// hardware queues to the dispatcher which walks their segments and copies the
// data between caller memory and one contiguous backing store.
//
// The device is created, published and torn down by the lifecycle
// Controller. Only a published Handle accepts requests, so nothing reaches
// the backing store before the device is published or after it is
// unpublished. Concurrent requests are serialized by the locking discipline
// selected in Options, either per sector range or per device.
package ramblk
