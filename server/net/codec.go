/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package net

import (
	"github.com/AlexStocks/getty/transport"
	jerrors "github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/protocol"
)

// RawChunk 直通模式下的一段原始字节,TLS或压缩协议启用后不再按报文切分
type RawChunk []byte

// RelayPackageHandler splits the inbound TCP stream into MySQL wire packets
// for both the client facing and the backend facing sessions. A session
// carrying the rawStreamKey attribute is past the point where the stream still
// parses as plain packets, its bytes are passed through unframed.
type RelayPackageHandler struct {
	maxPayload int
}

func NewRelayPackageHandler(maxMsgLen int) *RelayPackageHandler {
	maxPayload := maxMsgLen - protocol.PacketHeaderLen
	if maxPayload <= 0 {
		maxPayload = 0
	}
	return &RelayPackageHandler{maxPayload: maxPayload}
}

func (h *RelayPackageHandler) Read(ss getty.Session, data []byte) (interface{}, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if ss.GetAttribute(rawStreamKey) != nil {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		return RawChunk(chunk), len(data), nil
	}
	pkg, frameLen, err := protocol.DecodePacket(data, h.maxPayload)
	if jerrors.Cause(err) == protocol.ErrNotEnoughStream {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, jerrors.Trace(err)
	}
	return pkg, frameLen, nil
}

func (h *RelayPackageHandler) Write(ss getty.Session, pkg interface{}) ([]byte, error) {
	switch p := pkg.(type) {
	case *protocol.Packet:
		return protocol.EncodePacket(nil, p.Seq, p.Payload), nil
	case RawChunk:
		return p, nil
	case []byte:
		return p, nil
	}
	return nil, jerrors.Errorf("illegal pkg:%+v", pkg)
}
