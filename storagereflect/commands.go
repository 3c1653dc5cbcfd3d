// Package storagereflect implements the storage-reflect command
// dispatch of spec.md §4.6: the PR_COMMAND_*/PR_RESULT_* vocabulary that
// turns incoming client Messages into data-tree mutations and
// subscription updates, and turns data-tree changes back into outgoing
// PR_RESULT_* Messages for subscribers.
//
// Grounded on original source reflector/StorageReflectSession.h (kept
// file, the single largest file in the pack's original_source/ slice,
// consistent with spec.md §2's "storage-reflect logic" being one of the
// largest single components by implementation share).
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package storagereflect

import "github.com/muscleserver/muscle/message"

// Command codes a client sends, per spec.md §4.6.
const (
	CommandSetData message.What = iota + 1000
	CommandGetData
	CommandRemoveData
	CommandSetParameters
	CommandGetParameters
	CommandRemoveParameters
	CommandInsertOrderedData
	CommandReorderData
	CommandAddBans
	CommandRemoveBans
	CommandKick
	CommandPing
	CommandJettison
)

// Result codes the server sends back, per spec.md §4.6.
const (
	ResultDataItems message.What = iota + 2000
	ResultIndexUpdated
	ResultPong
	ResultParameters
	ResultErrorUnimplemented
)

// Well-known field names used across the command/result vocabulary.
const (
	FieldKeys            = "keys"          // PR_NAME_KEYS: paths/patterns a command applies to
	FieldPath            = "path"          // single target path (SETDATA, INSERTORDEREDDATA)
	FieldData            = "data"          // sub-Message payload (SETDATA, ordered insert)
	FieldIndex           = "index"         // int32 ordered-index position (INSERTORDEREDDATA, REORDERDATA)
	FieldRemovedItems    = "removed"       // string list of paths removed, within ResultDataItems
	FieldBanPatterns     = "banpatterns"   // string list, ADDBANS/REMOVEBANS
	FieldKickSessionID   = "kicksessionid" // uint32, PR_COMMAND_KICK target
	FieldPingValue       = "pingvalue"     // opaque round-trip token, PING/PONG
	FieldJettisonPattern = "pattern"       // optional path pattern, PR_COMMAND_JETTISON
)
