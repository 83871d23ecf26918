package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config holds the simulator configuration
type Config struct {
	ServerURL     string
	ChargePointID string
	Version       string // 1.6, 2.0.1 or 2.1
	Username      string
	Password      string
	Vendor        string
	Model         string
	Connectors    int
	MeterPeriod   time.Duration
}

// ConnectorState represents a connector's state
type ConnectorState struct {
	ID         int
	Status     string // Available, Occupied, Faulted, Unavailable
	MeterWh    int
	IsCharging bool
}

// Simulator simulates an OCPP charge point talking to the gateway.
type Simulator struct {
	config     Config
	conn       *websocket.Conn
	log        *zap.Logger
	connectors []ConnectorState

	// State
	currentTxID       string
	isCharging        bool
	heartbeatInterval int

	// Message handling
	messageID   int
	pendingMsgs map[string]chan []byte
	mu          sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSimulator creates a new charge point simulator
func NewSimulator(config Config, log *zap.Logger) *Simulator {
	connectors := make([]ConnectorState, config.Connectors)
	for i := 0; i < config.Connectors; i++ {
		connectors[i] = ConnectorState{
			ID:     i + 1,
			Status: "Available",
		}
	}

	return &Simulator{
		config:            config,
		log:               log,
		connectors:        connectors,
		pendingMsgs:       make(map[string]chan []byte),
		stopChan:          make(chan struct{}),
		heartbeatInterval: 300,
	}
}

func (s *Simulator) isModern() bool {
	return s.config.Version != "1.6"
}

func (s *Simulator) subprotocol() string {
	switch s.config.Version {
	case "2.1":
		return "ocpp2.1"
	case "2.0.1":
		return "ocpp2.0.1"
	default:
		return "ocpp1.6"
	}
}

// pathSegment maps the version flag to the URL path segment the gateway routes on.
func (s *Simulator) pathSegment() string {
	switch s.config.Version {
	case "2.1":
		return "2.1"
	case "2.0.1":
		return "2.0.1"
	default:
		return "1.6"
	}
}

// Connect dials the gateway and starts the boot sequence.
func (s *Simulator) Connect() error {
	url := fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(s.config.ServerURL, "/"), s.pathSegment(), s.config.ChargePointID)

	dialer := websocket.Dialer{
		Subprotocols: []string{s.subprotocol()},
	}

	header := http.Header{}
	if s.config.Password != "" {
		user := s.config.Username
		if user == "" {
			user = s.config.ChargePointID
		}
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + s.config.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.conn = conn
	s.log.Info("Connected to gateway",
		zap.String("url", url),
		zap.String("charge_point_id", s.config.ChargePointID),
		zap.String("subprotocol", conn.Subprotocol()),
	)

	s.wg.Add(1)
	go s.readMessages()

	resp, err := s.sendBootNotification()
	if err != nil {
		s.log.Error("BootNotification failed", zap.Error(err))
	} else {
		s.log.Info("BootNotification response", zap.Any("response", resp))
		if interval, ok := resp["interval"].(float64); ok && interval > 0 {
			s.heartbeatInterval = int(interval)
		}
	}

	for _, c := range s.connectors {
		s.sendStatusNotification(c.ID, c.Status)
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	if s.config.MeterPeriod > 0 {
		s.wg.Add(1)
		go s.meterLoop()
	}

	return nil
}

// Stop stops the simulator
func (s *Simulator) Stop() {
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

// readMessages reads and processes incoming messages
func (s *Simulator) readMessages() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.stopChan:
				default:
					s.log.Error("Read error", zap.Error(err))
				}
				return
			}
			s.handleMessage(message)
		}
	}
}

// handleMessage processes an incoming OCPP frame
func (s *Simulator) handleMessage(data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Error("Invalid message", zap.Error(err))
		return
	}

	if len(raw) < 3 {
		return
	}

	var msgType int
	json.Unmarshal(raw[0], &msgType)

	var msgID string
	json.Unmarshal(raw[1], &msgID)

	switch msgType {
	case 2: // Call - command from the gateway
		if len(raw) < 4 {
			return
		}
		var action string
		json.Unmarshal(raw[2], &action)
		s.handleServerRequest(msgID, action, raw[3])

	case 3: // CallResult - reply to one of our requests
		s.mu.Lock()
		if ch, ok := s.pendingMsgs[msgID]; ok {
			ch <- raw[2]
			delete(s.pendingMsgs, msgID)
		}
		s.mu.Unlock()

	case 4: // CallError
		var code string
		json.Unmarshal(raw[2], &code)
		s.log.Warn("Received CallError", zap.String("message_id", msgID), zap.String("code", code))
		s.mu.Lock()
		if ch, ok := s.pendingMsgs[msgID]; ok {
			close(ch)
			delete(s.pendingMsgs, msgID)
		}
		s.mu.Unlock()
	}
}

// handleServerRequest handles commands sent by the gateway
func (s *Simulator) handleServerRequest(msgID, action string, payload json.RawMessage) {
	s.log.Info("Received command", zap.String("action", action))

	var response interface{}

	switch action {
	case "RequestStartTransaction", "RemoteStartTransaction":
		response = s.handleRemoteStart(payload)
	case "RequestStopTransaction", "RemoteStopTransaction":
		response = s.handleRemoteStop(payload)
	case "Reset":
		response = s.handleReset(payload)
	case "TriggerMessage":
		response = s.handleTriggerMessage(payload)
	case "UnlockConnector":
		response = map[string]interface{}{"status": "Unlocked"}
	case "ChangeAvailability":
		response = s.handleChangeAvailability(payload)
	case "DataTransfer":
		response = map[string]interface{}{"status": "Accepted"}
	default:
		s.sendCallError(msgID, "NotImplemented", fmt.Sprintf("Action %s not implemented", action))
		return
	}

	s.sendCallResult(msgID, response)
}

// --- Command Handlers ---

func (s *Simulator) handleRemoteStart(payload json.RawMessage) map[string]interface{} {
	var req struct {
		IdTag   string `json:"idTag"` // 1.6
		IdToken struct {
			IdToken string `json:"idToken"`
		} `json:"idToken"` // 2.x
		ConnectorId *int `json:"connectorId"`
		EvseId      *int `json:"evseId"`
	}
	json.Unmarshal(payload, &req)

	connectorID := 1
	if req.ConnectorId != nil {
		connectorID = *req.ConnectorId
	} else if req.EvseId != nil {
		connectorID = *req.EvseId
	}

	idTag := req.IdTag
	if idTag == "" {
		idTag = req.IdToken.IdToken
	}

	s.mu.Lock()
	s.currentTxID = fmt.Sprintf("TX-%d", time.Now().Unix())
	s.isCharging = true
	if connectorID >= 1 && connectorID <= len(s.connectors) {
		s.connectors[connectorID-1].Status = "Occupied"
		s.connectors[connectorID-1].IsCharging = true
	}
	txID := s.currentTxID
	s.mu.Unlock()

	s.log.Info("Remote start accepted",
		zap.String("transaction_id", txID),
		zap.Int("connector_id", connectorID),
	)

	go func() {
		time.Sleep(100 * time.Millisecond)
		if s.isModern() {
			s.sendTransactionEvent("Started", txID, connectorID, idTag, 0)
		} else {
			s.sendStartTransaction(connectorID, idTag)
		}
		s.sendStatusNotification(connectorID, "Occupied")
	}()

	return map[string]interface{}{"status": "Accepted"}
}

func (s *Simulator) handleRemoteStop(payload json.RawMessage) map[string]interface{} {
	// transactionId is an integer on 1.6 and a string on 2.x.
	var req struct {
		TransactionId json.RawMessage `json:"transactionId"`
	}
	json.Unmarshal(payload, &req)
	txParam := strings.Trim(string(req.TransactionId), `"`)

	s.mu.RLock()
	charging := s.isCharging
	txID := s.currentTxID
	s.mu.RUnlock()

	if !charging {
		return map[string]interface{}{"status": "Rejected"}
	}

	s.log.Info("Remote stop accepted", zap.String("transaction_id", txID))

	go func() {
		time.Sleep(100 * time.Millisecond)
		if s.isModern() {
			s.sendTransactionEvent("Ended", txID, 1, "", 99)
		} else {
			s.sendStopTransaction(txParam)
		}
		s.mu.Lock()
		s.isCharging = false
		if len(s.connectors) > 0 {
			s.connectors[0].Status = "Available"
			s.connectors[0].IsCharging = false
		}
		s.mu.Unlock()
		s.sendStatusNotification(1, "Available")
	}()

	return map[string]interface{}{"status": "Accepted"}
}

func (s *Simulator) handleReset(payload json.RawMessage) map[string]interface{} {
	var req struct {
		Type string `json:"type"`
	}
	json.Unmarshal(payload, &req)

	s.log.Info("Reset requested", zap.String("type", req.Type))

	go func() {
		time.Sleep(500 * time.Millisecond)
		s.mu.Lock()
		s.isCharging = false
		for i := range s.connectors {
			s.connectors[i].Status = "Available"
			s.connectors[i].IsCharging = false
		}
		s.mu.Unlock()
		s.sendBootNotification()
	}()

	return map[string]interface{}{"status": "Accepted"}
}

func (s *Simulator) handleTriggerMessage(payload json.RawMessage) map[string]interface{} {
	var req struct {
		RequestedMessage string `json:"requestedMessage"`
	}
	json.Unmarshal(payload, &req)

	s.log.Info("Trigger message", zap.String("message", req.RequestedMessage))

	go func() {
		time.Sleep(100 * time.Millisecond)
		switch req.RequestedMessage {
		case "BootNotification":
			s.sendBootNotification()
		case "Heartbeat":
			s.sendHeartbeat()
		case "StatusNotification":
			for _, c := range s.connectors {
				s.sendStatusNotification(c.ID, c.Status)
			}
		case "MeterValues":
			if s.isCharging && len(s.connectors) > 0 {
				s.sendMeterValues(1, s.connectors[0].MeterWh)
			}
		}
	}()

	return map[string]interface{}{"status": "Accepted"}
}

func (s *Simulator) handleChangeAvailability(payload json.RawMessage) map[string]interface{} {
	var req struct {
		ConnectorId       *int   `json:"connectorId"`       // 1.6
		Type              string `json:"type"`              // 1.6: Operative / Inoperative
		OperationalStatus string `json:"operationalStatus"` // 2.x
	}
	json.Unmarshal(payload, &req)

	status := "Available"
	if req.Type == "Inoperative" || req.OperationalStatus == "Inoperative" {
		status = "Unavailable"
	}

	s.mu.Lock()
	if req.ConnectorId != nil && *req.ConnectorId >= 1 && *req.ConnectorId <= len(s.connectors) {
		s.connectors[*req.ConnectorId-1].Status = status
	} else {
		for i := range s.connectors {
			s.connectors[i].Status = status
		}
	}
	s.mu.Unlock()

	s.log.Info("Change availability", zap.String("status", status))
	return map[string]interface{}{"status": "Accepted"}
}

// --- Outgoing Messages ---

func (s *Simulator) sendCall(action string, payload interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	s.messageID++
	msgID := fmt.Sprintf("%d", s.messageID)
	responseChan := make(chan []byte, 1)
	s.pendingMsgs[msgID] = responseChan
	s.mu.Unlock()

	msg := []interface{}{2, msgID, action, payload}
	data, _ := json.Marshal(msg)

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	select {
	case respData, ok := <-responseChan:
		if !ok {
			return nil, fmt.Errorf("request %s rejected", action)
		}
		var result map[string]interface{}
		json.Unmarshal(respData, &result)
		return result, nil
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-s.stopChan:
		return nil, fmt.Errorf("simulator stopped")
	}
}

func (s *Simulator) sendCallResult(msgID string, payload interface{}) {
	msg := []interface{}{3, msgID, payload}
	data, _ := json.Marshal(msg)
	s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) sendCallError(msgID, code, desc string) {
	msg := []interface{}{4, msgID, code, desc, map[string]interface{}{}}
	data, _ := json.Marshal(msg)
	s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) sendBootNotification() (map[string]interface{}, error) {
	var payload map[string]interface{}
	if s.isModern() {
		payload = map[string]interface{}{
			"chargingStation": map[string]interface{}{
				"model":      s.config.Model,
				"vendorName": s.config.Vendor,
			},
			"reason": "PowerUp",
		}
	} else {
		payload = map[string]interface{}{
			"chargePointVendor": s.config.Vendor,
			"chargePointModel":  s.config.Model,
		}
	}
	return s.sendCall("BootNotification", payload)
}

func (s *Simulator) sendHeartbeat() {
	s.sendCall("Heartbeat", map[string]interface{}{})
}

func (s *Simulator) sendStatusNotification(connectorID int, status string) {
	var payload map[string]interface{}
	if s.isModern() {
		payload = map[string]interface{}{
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
			"connectorStatus": status,
			"evseId":          connectorID,
			"connectorId":     connectorID,
		}
	} else {
		errorCode := "NoError"
		if status == "Faulted" {
			errorCode = "OtherError"
		}
		payload = map[string]interface{}{
			"connectorId": connectorID,
			"status":      status,
			"errorCode":   errorCode,
		}
	}
	s.sendCall("StatusNotification", payload)
}

func (s *Simulator) sendStartTransaction(connectorID int, idTag string) {
	payload := map[string]interface{}{
		"connectorId": connectorID,
		"idTag":       idTag,
		"meterStart":  s.connectors[connectorID-1].MeterWh,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	resp, err := s.sendCall("StartTransaction", payload)
	if err != nil {
		s.log.Error("StartTransaction failed", zap.Error(err))
		return
	}
	if txID, ok := resp["transactionId"].(float64); ok {
		s.mu.Lock()
		s.currentTxID = fmt.Sprintf("%d", int(txID))
		s.mu.Unlock()
	}
}

func (s *Simulator) sendStopTransaction(txID string) {
	var id int
	fmt.Sscanf(txID, "%d", &id)
	payload := map[string]interface{}{
		"transactionId": id,
		"meterStop":     s.connectors[0].MeterWh,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	s.sendCall("StopTransaction", payload)
}

func (s *Simulator) sendTransactionEvent(eventType, txID string, evseID int, idToken string, seqNo int) {
	payload := map[string]interface{}{
		"eventType":     eventType,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"triggerReason": "RemoteStart",
		"seqNo":         seqNo,
		"transactionInfo": map[string]interface{}{
			"transactionId": txID,
		},
		"evse": map[string]interface{}{
			"id":          evseID,
			"connectorId": evseID,
		},
	}

	if idToken != "" {
		payload["idToken"] = map[string]interface{}{
			"idToken": idToken,
			"type":    "ISO14443",
		}
	}

	s.sendCall("TransactionEvent", payload)
}

func (s *Simulator) sendMeterValues(connectorID, valueWh int) {
	sampled := []map[string]interface{}{
		{
			"value":     fmt.Sprintf("%d", valueWh),
			"measurand": "Energy.Active.Import.Register",
		},
	}
	meterValue := []map[string]interface{}{
		{
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"sampledValue": sampled,
		},
	}

	var payload map[string]interface{}
	if s.isModern() {
		payload = map[string]interface{}{
			"evseId":     connectorID,
			"meterValue": meterValue,
		}
	} else {
		payload = map[string]interface{}{
			"connectorId": connectorID,
			"meterValue":  meterValue,
		}
		s.mu.RLock()
		if s.currentTxID != "" {
			var id int
			fmt.Sscanf(s.currentTxID, "%d", &id)
			payload["transactionId"] = id
		}
		s.mu.RUnlock()
	}
	s.sendCall("MeterValues", payload)
}

func (s *Simulator) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.heartbeatInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

// meterLoop emits meter values while a transaction is active.
func (s *Simulator) meterLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.MeterPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			charging := s.isCharging
			if charging && len(s.connectors) > 0 {
				s.connectors[0].MeterWh += 150
			}
			var wh int
			if len(s.connectors) > 0 {
				wh = s.connectors[0].MeterWh
			}
			s.mu.Unlock()

			if charging {
				s.sendMeterValues(1, wh)
			}
		}
	}
}
