package outcomes

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// poxNamespace はLTI Outcomes ServiceのPOXメッセージのXML名前空間。
const poxNamespace = "http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0"

// replaceResultEnvelope はreplaceResultリクエストのPOXエンベロープ。
type replaceResultEnvelope struct {
	XMLName xml.Name `xml:"imsx_POXEnvelopeRequest"`
	XMLNS   string   `xml:"xmlns,attr"`
	Header  struct {
		Info struct {
			Version           string `xml:"imsx_version"`
			MessageIdentifier string `xml:"imsx_messageIdentifier"`
		} `xml:"imsx_POXRequestHeaderInfo"`
	} `xml:"imsx_POXHeader"`
	Body struct {
		ReplaceResult struct {
			ResultRecord struct {
				SourcedGUID struct {
					SourcedID string `xml:"sourcedId"`
				} `xml:"sourcedGUID"`
				Result struct {
					ResultScore struct {
						Language   string `xml:"language"`
						TextString string `xml:"textString"`
					} `xml:"resultScore"`
				} `xml:"result"`
			} `xml:"resultRecord"`
		} `xml:"replaceResultRequest"`
	} `xml:"imsx_POXBody"`
}

// buildReplaceResultXML はreplaceResultリクエストのXMLボディを構築する。
func buildReplaceResultXML(messageID, sourcedID string, score float64) ([]byte, error) {
	env := replaceResultEnvelope{XMLNS: poxNamespace}
	env.Header.Info.Version = "V1.0"
	env.Header.Info.MessageIdentifier = messageID
	env.Body.ReplaceResult.ResultRecord.SourcedGUID.SourcedID = sourcedID
	env.Body.ReplaceResult.ResultRecord.Result.ResultScore.Language = "en"
	env.Body.ReplaceResult.ResultRecord.Result.ResultScore.TextString = strconv.FormatFloat(score, 'f', -1, 64)

	raw, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replaceResult request: %w", err)
	}
	return append([]byte(xml.Header), raw...), nil
}

// poxResponseEnvelope はLMSからのPOXレスポンスエンベロープ。
// 分類に必要なステータス情報のみをデコードする。
type poxResponseEnvelope struct {
	XMLName xml.Name `xml:"imsx_POXEnvelopeResponse"`
	Header  struct {
		Info struct {
			StatusInfo struct {
				CodeMajor   string `xml:"imsx_codeMajor"`
				Severity    string `xml:"imsx_severity"`
				Description string `xml:"imsx_description"`
			} `xml:"imsx_statusInfo"`
		} `xml:"imsx_POXResponseHeaderInfo"`
	} `xml:"imsx_POXHeader"`
}

// parsePOXResponse はレスポンスボディからステータス情報を取り出す。
func parsePOXResponse(body []byte) (codeMajor, severity, description string, err error) {
	var env poxResponseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", "", "", fmt.Errorf("failed to parse outcome response: %w", err)
	}
	info := env.Header.Info.StatusInfo
	return info.CodeMajor, info.Severity, info.Description, nil
}
