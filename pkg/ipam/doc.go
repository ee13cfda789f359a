// Package ipam allocates IPv4 addresses from subnet ranges stored as
// documents.
//
// Subnets (/resources/subnets/<id>) own ranges (/resources/subnet-ranges/...)
// of contiguous addresses. An address gets a record the first time it is
// handed out; its link is derived from the range link and the address, so
// two allocators picking the same address always meet on the same document.
//
// Allocators never lock. Each claim is a conditional update of a record's
// version; the loser of a race re-reads the records of the subnet and tries
// again while the ranges still have room. Existing AVAILABLE records are
// reused before new records are created, and a request larger than the free
// space fails with ErrCodeInsufficientCapacity before anything is written.
//
// The allocation task kind runs the allocator under the engine runtime:
//
//	svc, err := ipam.NewService(rt, ipam.ServiceOptions{})
//	task, err := svc.Allocate(ctx, "/resources/subnets/lab",
//	    map[string]int{"/resources/vms/web-1": 2}, nil)
//	done, err := rt.Await(ctx, task.Link)
//	result, err := ipam.AllocationTaskResult(done)
//
// Released addresses stay RELEASED until the Reclaimer makes them AVAILABLE
// again.
package ipam
