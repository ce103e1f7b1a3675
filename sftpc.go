// Package sftpc implements the client side of the SSH File Transfer
// Protocol version 3 as described in
// https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt
//
// A Client multiplexes concurrent requests over a single stream pair,
// typically the stdin/stdout of an "sftp" subsystem session obtained
// from golang.org/x/crypto/ssh. Methods are safe for concurrent use;
// slow operations never block unrelated ones.
package sftpc

const (
	sftpProtocolVersion = 3 // https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt

	// defaultMaxPacket is the default chunk size for read and write transfers.
	defaultMaxPacket = 1 << 15

	// maxMsgLength is the largest frame accepted from the server,
	// mirroring OpenSSH's SFTP_MAX_MSG_LENGTH.
	maxMsgLength = 256 * 1024
)
