// Package firmware drives a UDS-style ECU reprogramming sequence
// (RequestDownload/TransferData/RequestTransferExit, ISO-14229) over an
// isotp.Transport. It parses an Intel HEX firmware image, splits it into
// TransferData blocks of a caller-chosen size, and optionally signs each
// block with AES-CMAC before it goes out.
//
// None of this is part of the ISO-TP transport itself: firmware is a
// consumer of isotp.Transport, exercised the same way a UDS client would
// be, through Send/Recv rather than the state machine's internals.
package firmware
