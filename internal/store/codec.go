package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

// itemColumns are the JSON-encoded columns of a batch item row. Empty
// strings are stored as NULL.
type itemColumns struct {
	stageMessages string
	result        string
	err           string
}

func encodeItem(it model.BatchItemState) (itemColumns, error) {
	var cols itemColumns
	if len(it.StageMessages) > 0 {
		b, err := json.Marshal(it.StageMessages)
		if err != nil {
			return cols, eris.Wrap(err, "marshal stage messages")
		}
		cols.stageMessages = string(b)
	}
	if it.Result != nil {
		b, err := json.Marshal(it.Result)
		if err != nil {
			return cols, eris.Wrap(err, "marshal result")
		}
		cols.result = string(b)
	}
	if it.Error != nil {
		b, err := json.Marshal(it.Error)
		if err != nil {
			return cols, eris.Wrap(err, "marshal error")
		}
		cols.err = string(b)
	}
	return cols, nil
}

func decodeItem(it *model.BatchItemState, cols itemColumns) error {
	if cols.stageMessages != "" {
		if err := json.Unmarshal([]byte(cols.stageMessages), &it.StageMessages); err != nil {
			return eris.Wrap(err, "unmarshal stage messages")
		}
	}
	if cols.result != "" {
		it.Result = &model.ExplainResponse{}
		if err := json.Unmarshal([]byte(cols.result), it.Result); err != nil {
			return eris.Wrap(err, "unmarshal result")
		}
	}
	if cols.err != "" {
		it.Error = &model.CategorizedError{}
		if err := json.Unmarshal([]byte(cols.err), it.Error); err != nil {
			return eris.Wrap(err, "unmarshal error")
		}
	}
	return nil
}

// encodeFailed fills defaults on f and returns its request and error JSON.
func encodeFailed(f *resilience.FailedItem) (reqJSON, errJSON []byte, err error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = nowUTC()
	}
	if f.LastFailedAt.IsZero() {
		f.LastFailedAt = f.CreatedAt
	}
	if reqJSON, err = json.Marshal(f.Request); err != nil {
		return nil, nil, eris.Wrap(err, "marshal request")
	}
	if errJSON, err = json.Marshal(f.Error); err != nil {
		return nil, nil, eris.Wrap(err, "marshal error")
	}
	return reqJSON, errJSON, nil
}

func decodeFailed(f *resilience.FailedItem, reqJSON, errJSON []byte) error {
	if err := json.Unmarshal(reqJSON, &f.Request); err != nil {
		return eris.Wrap(err, "unmarshal request")
	}
	if err := json.Unmarshal(errJSON, &f.Error); err != nil {
		return eris.Wrap(err, "unmarshal error")
	}
	return nil
}
