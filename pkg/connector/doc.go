// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Mastodon bridge bot.
//
// Each Matrix user can link one Mastodon account. The bridge then keeps a
// Home room with the home timeline and a Notifications room with mentions,
// boosts, favorites and follows, opens a room per direct-message
// correspondent, and follows hashtags in rooms named after them. Messages
// sent in the Home room or a direct thread are published as toots.
//
// # Core Types
//
// [Bridge] ties the account store, the chat service and the social
// provider together and handles chat events.
//
// [Poller] sweeps every linked account, rotating between instances, with a
// circuit breaker per instance for sweeps that keep hitting transient
// errors.
//
// [Tracker] reads feeds past their stored cursor. Cursors are persisted
// before delivery, so a crash loses a batch instead of repeating it.
//
// [Classify] sorts a notification batch into direct messages, boost and
// favorite groups, follows and mentions.
//
// [Resolver] maps a correspondent to its direct thread room, creating it
// once even under concurrent deliveries.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to the plain text Mastodon accepts.
//   - mastodonfmt converts Mastodon status HTML to chat text.
package connector
