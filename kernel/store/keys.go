// Package store is the KernelStore: durable c-lists, refcounts, the promise
// table, subcluster/vat records, the GC action set, and compromise/wake
// bookkeeping, all layered over github.com/tidwall/buntdb.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package store

import "fmt"

// Key schema. Kept bit-exact: cross-version recovery depends
// on these prefixes never changing shape.
func keyCListEntry(ep, ref string) string { return fmt.Sprintf("e.%s.%s", ep, ref) }
func keyNextObjectID(ep string) string    { return fmt.Sprintf("e.nextObjectId.%s", ep) }
func keyNextPromiseID(ep string) string   { return fmt.Sprintf("e.nextPromiseId.%s", ep) }

func keyPromiseState(kpid string) string       { return fmt.Sprintf("kp.%s.state", kpid) }
func keyPromiseDecider(kpid string) string     { return fmt.Sprintf("kp.%s.decider", kpid) }
func keyPromiseSubscribers(kpid string) string { return fmt.Sprintf("kp.%s.subscribers", kpid) }
func keyPromiseValue(kpid string) string       { return fmt.Sprintf("kp.%s.value", kpid) }
func keyPromiseSlots(kpid string) string       { return fmt.Sprintf("kp.%s.slots", kpid) }

func keyObjOwner(kref string) string        { return fmt.Sprintf("ko.%s.owner", kref) }
func keyObjReachable(kref string) string    { return fmt.Sprintf("ko.%s.reachable", kref) }
func keyObjRecognizable(kref string) string { return fmt.Sprintf("ko.%s.recognizable", kref) }
func keyObjRevoked(kref string) string      { return fmt.Sprintf("ko.%s.revoked", kref) }

func keySubcluster(sid string) string     { return fmt.Sprintf("subcluster.%s", sid) }
func keySubclusterVats(sid string) string { return fmt.Sprintf("subclusterVats.%s", sid) }
func keyVatSubcluster(vid string) string  { return fmt.Sprintf("vatSubcluster.%s", vid) }

func keyRemote(rid string) string                 { return fmt.Sprintf("remote.%s", rid) }
func keyRemoteSeq(rid, field string) string       { return fmt.Sprintf("remoteSeq.%s.%s", rid, field) }
func keyRemotePending(rid string, seq uint64) string {
	return fmt.Sprintf("remotePending.%s.%d", rid, seq)
}
func keyRemotePendingPrefix(rid string) string { return fmt.Sprintf("remotePending.%s.", rid) }

const (
	keyGCActions       = "gcActions"
	keyCompromisedVats = "compromisedVats"
	keyLastActiveTime  = "lastActiveTime"
)

func keyKernelService(name string) string { return fmt.Sprintf("kernelService.%s", name) }

func keyPromisesByDecider(ep string) string { return fmt.Sprintf("promisesByDecider.%s", ep) }
