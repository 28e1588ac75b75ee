// ABOUTME: dbserver wire protocol package
// ABOUTME: Binary message codec and TCP session client for player databases
// Package dbserver implements the binary protocol spoken by the remote
// database server running on each player.
//
// Provides the tagged field and framed message codec, the registries of
// known message and menu item types, and a session client for the
// two-phase menu request/render query pattern.
//
// Example:
//
//	err := manager.WithSession(2, "requesting metadata", func(session dbserver.Session) error {
//	    response, err := session.MenuRequest(dbserver.MetadataReq, dbserver.MenuMain,
//	        devices.SlotUSB, dbserver.Number4(trackID))
//	    ...
//	})
package dbserver
